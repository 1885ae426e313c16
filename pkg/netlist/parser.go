package netlist

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/edp1096/power-spice/pkg/circuit"
	"github.com/edp1096/power-spice/pkg/device"
)

type AnalysisType int

const (
	AnalysisOP AnalysisType = iota
	AnalysisTRAN
	AnalysisDC
)

// Netlist is the parsed deck: the title line, the component cards and
// one analysis command.
type Netlist struct {
	Title    string
	Elements []Element
	Analysis AnalysisType

	TranParam struct {
		TStep  float64
		TStop  float64
		TStart float64
		TMax   float64
		UIC    bool
	}
	DCParam struct {
		Source    string
		Start     float64
		Stop      float64
		Increment float64
	}
}

// Element is one card before device construction.
type Element struct {
	Type   string
	Name   string
	Nodes  []string
	Value  float64
	Params map[string]string
}

// siPrefixes in longest-match-first order: MEG must win over M, and the
// table is case-sensitive (M = mega, m = milli).
var siPrefixes = []struct {
	suffix string
	mult   float64
}{
	{"MEG", 1e6},
	{"T", 1e12},
	{"G", 1e9},
	{"M", 1e6},
	{"K", 1e3},
	{"k", 1e3},
	{"m", 1e-3},
	{"u", 1e-6},
	{"µ", 1e-6},
	{"n", 1e-9},
	{"p", 1e-12},
	{"f", 1e-15},
}

// ParseValue parses engineering notation: a float with an optional SI
// suffix, plus the customary trailing unit letter (10us, 5kHz...).
func ParseValue(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}

	// Drop a trailing unit letter before suffix matching.
	body := s
	for _, unit := range []string{"s", "V", "A", "Hz", "H", "F"} {
		if trimmed := strings.TrimSuffix(body, unit); trimmed != body && trimmed != "" {
			body = trimmed
			break
		}
	}
	if f, err := strconv.ParseFloat(body, 64); err == nil {
		return f, nil
	}

	for _, p := range siPrefixes {
		if !strings.HasSuffix(body, p.suffix) {
			continue
		}
		numStr := strings.TrimSuffix(body, p.suffix)
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			continue
		}
		return f * p.mult, nil
	}

	return 0, fmt.Errorf("invalid value format: %s", raw)
}

// Parse reads a SPICE-style deck: title line first, then cards, comments
// starting with '*', dot commands for analyses.
func Parse(input string) (*Netlist, error) {
	scanner := bufio.NewScanner(strings.NewReader(input))
	deck := &Netlist{}

	if scanner.Scan() {
		deck.Title = strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "*"))
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "*") {
			continue
		}

		if strings.HasPrefix(line, ".") {
			if err := parseCommand(deck, line); err != nil {
				return nil, err
			}
			continue
		}

		element, err := parseElement(line)
		if err != nil {
			return nil, err
		}
		deck.Elements = append(deck.Elements, *element)
	}

	return deck, nil
}

func parseCommand(deck *Netlist, line string) error {
	fields := strings.Fields(line)
	var err error

	switch strings.ToLower(fields[0]) {
	case ".op":
		deck.Analysis = AnalysisOP

	case ".tran":
		deck.Analysis = AnalysisTRAN
		if len(fields) < 3 {
			return fmt.Errorf("insufficient tran parameters, need at least tstep and tstop")
		}
		if deck.TranParam.TStep, err = ParseValue(fields[1]); err != nil {
			return fmt.Errorf("invalid tstep: %w", err)
		}
		if deck.TranParam.TStop, err = ParseValue(fields[2]); err != nil {
			return fmt.Errorf("invalid tstop: %w", err)
		}
		for i := 3; i < len(fields); i++ {
			if strings.EqualFold(fields[i], "uic") {
				deck.TranParam.UIC = true
				continue
			}
			switch i {
			case 3:
				if deck.TranParam.TStart, err = ParseValue(fields[i]); err != nil {
					return fmt.Errorf("invalid tstart: %w", err)
				}
			case 4:
				if deck.TranParam.TMax, err = ParseValue(fields[i]); err != nil {
					return fmt.Errorf("invalid tmax: %w", err)
				}
			}
		}
		if deck.TranParam.TMax == 0 {
			deck.TranParam.TMax = deck.TranParam.TStep
		}

	case ".dc":
		deck.Analysis = AnalysisDC
		if len(fields) < 5 {
			return fmt.Errorf("insufficient DC sweep parameters")
		}
		deck.DCParam.Source = fields[1]
		if deck.DCParam.Start, err = ParseValue(fields[2]); err != nil {
			return fmt.Errorf("invalid sweep start: %w", err)
		}
		if deck.DCParam.Stop, err = ParseValue(fields[3]); err != nil {
			return fmt.Errorf("invalid sweep stop: %w", err)
		}
		if deck.DCParam.Increment, err = ParseValue(fields[4]); err != nil {
			return fmt.Errorf("invalid sweep increment: %w", err)
		}

	case ".end":
		// deck terminator, nothing to do

	default:
		return fmt.Errorf("unsupported analysis type: %s", fields[0])
	}

	return nil
}

// nodeCounts gives the node count per element letter. Only the
// semiconductor cards (D, M, S, Q) read it; sources and the other cards
// take their nodes in their own cases.
var nodeCounts = map[string]int{
	"R": 2, "C": 2, "L": 2, "D": 2,
	"M": 3, "S": 3, "Q": 3,
	"E": 4, "G": 4, "H": 2, "F": 2,
}

func parseElement(line string) (*Element, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("invalid element format: %s", line)
	}

	elem := &Element{
		Name:   fields[0],
		Type:   strings.ToUpper(string(fields[0][0])),
		Params: make(map[string]string),
	}

	switch elem.Type {
	case "V", "I":
		return parseSource(elem, fields)

	case "K":
		// K name L1 L2 [...] k
		if len(fields) < 4 {
			return nil, fmt.Errorf("coupling %s: need at least two inductors and a coefficient", elem.Name)
		}
		elem.Nodes = fields[1 : len(fields)-1] // inductor names, not nodes
		elem.Params["k"] = fields[len(fields)-1]
		return elem, nil

	case "D", "M", "S", "Q":
		n := nodeCounts[elem.Type]
		if len(fields) < 1+n {
			return nil, fmt.Errorf("%s: requires %d nodes", elem.Name, n)
		}
		elem.Nodes = fields[1 : 1+n]
		parseKeyParams(elem, fields[1+n:])
		return elem, nil

	case "H", "F":
		// H/F name n+ n- vname value
		if len(fields) < 5 {
			return nil, fmt.Errorf("%s: requires 2 nodes, a controlling source and a value", elem.Name)
		}
		elem.Nodes = fields[1:3]
		elem.Params["control"] = fields[3]
		value, err := ParseValue(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", elem.Name, err)
		}
		elem.Value = value
		return elem, nil

	case "E", "G":
		if len(fields) < 6 {
			return nil, fmt.Errorf("%s: requires 4 nodes and a gain", elem.Name)
		}
		elem.Nodes = fields[1:5]
		value, err := ParseValue(fields[5])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", elem.Name, err)
		}
		elem.Value = value
		return elem, nil

	case "R", "C", "L":
		elem.Nodes = fields[1:3]
		value, err := ParseValue(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", elem.Name, err)
		}
		elem.Value = value
		parseKeyParams(elem, fields[4:])
		return elem, nil

	default:
		// Unknown card; the assembler will warn and skip it.
		elem.Nodes = fields[1 : len(fields)-1]
		return elem, nil
	}
}

func parseKeyParams(elem *Element, fields []string) {
	for _, f := range fields {
		if key, value, ok := strings.Cut(f, "="); ok {
			elem.Params[strings.ToLower(key)] = value
			continue
		}
		elem.Params[strings.ToLower(f)] = "1"
	}
}

func parseSource(elem *Element, fields []string) (*Element, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("insufficient source parameters: %s", elem.Name)
	}
	elem.Nodes = []string{fields[1], fields[2]}

	remaining := strings.Join(fields[3:], " ")
	remaining = strings.ReplaceAll(remaining, "(", " ( ")
	remaining = strings.ReplaceAll(remaining, ")", " ) ")
	words := strings.Fields(remaining)

	kind := strings.ToUpper(words[0])
	switch kind {
	case "DC", "SIN", "PULSE", "EXP", "PWL", "AC":
		elem.Params["type"] = strings.ToLower(kind)
		args := make([]string, 0, len(words)-1)
		for _, w := range words[1:] {
			if w == "(" || w == ")" {
				continue
			}
			args = append(args, w)
		}
		elem.Params["args"] = strings.Join(args, " ")
	default:
		// Bare value or unrecognized waveform: fall back to DC.
		elem.Params["type"] = "dc"
		elem.Params["args"] = words[0]
	}

	return elem, nil
}

// CreateDevice turns one card into a component. Construction is the sole
// point of semantic validation.
func CreateDevice(elem Element) (device.Device, error) {
	switch elem.Type {
	case "R":
		tc1, _ := optionalValue(elem, "tc1")
		tc2, _ := optionalValue(elem, "tc2")
		temp, hasTemp := optionalValue(elem, "temp")
		if !hasTemp {
			temp = 300.15
		}
		return device.NewResistor(elem.Name, elem.Nodes, elem.Value, tc1, tc2, temp)

	case "C":
		c, err := device.NewCapacitor(elem.Name, elem.Nodes, elem.Value)
		if err != nil {
			return nil, err
		}
		if ic, ok := optionalValue(elem, "ic"); ok {
			c.SetIC(ic)
		}
		return c, nil

	case "L":
		rser, _ := optionalValue(elem, "rser")
		l, err := device.NewInductor(elem.Name, elem.Nodes, elem.Value, rser)
		if err != nil {
			return nil, err
		}
		if ic, ok := optionalValue(elem, "ic"); ok {
			l.SetIC(ic)
		}
		return l, nil

	case "D":
		return device.NewDiode(elem.Name, elem.Nodes)

	case "V":
		wave, err := parseWaveform(elem)
		if err != nil {
			return nil, err
		}
		return device.NewVoltageSource(elem.Name, elem.Nodes, wave)

	case "I":
		wave, err := parseWaveform(elem)
		if err != nil {
			return nil, err
		}
		return device.NewCurrentSource(elem.Name, elem.Nodes, wave)

	case "M":
		_, pmos := elem.Params["pmos"]
		return device.NewMosfet(elem.Name, elem.Nodes, pmos)

	case "S":
		_, pmos := elem.Params["pmos"]
		return device.NewSwitchMosfet(elem.Name, elem.Nodes, pmos)

	case "Q":
		_, pnp := elem.Params["pnp"]
		return device.NewBjt(elem.Name, elem.Nodes, pnp)

	case "E":
		return device.NewVCVS(elem.Name, elem.Nodes, elem.Value)

	case "G":
		return device.NewVCCS(elem.Name, elem.Nodes, elem.Value)

	case "H":
		return device.NewCCVS(elem.Name, elem.Nodes, elem.Params["control"], elem.Value)

	case "F":
		return device.NewCCCS(elem.Name, elem.Nodes, elem.Params["control"], elem.Value)
	}

	return device.NewUnknown(elem.Name, elem.Type, elem.Nodes), nil
}

func optionalValue(elem Element, key string) (float64, bool) {
	raw, ok := elem.Params[key]
	if !ok {
		return 0, false
	}
	v, err := ParseValue(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseWaveform builds the source time function from the card's args.
func parseWaveform(elem Element) (device.Waveform, error) {
	args := strings.Fields(elem.Params["args"])
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := ParseValue(a)
		if err != nil {
			return device.Waveform{}, fmt.Errorf("%s: invalid %s parameter %q: %w", elem.Name, elem.Params["type"], a, err)
		}
		vals[i] = v
	}

	at := func(i int) float64 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}

	switch elem.Params["type"] {
	case "sin":
		if len(vals) < 3 {
			return device.Waveform{}, fmt.Errorf("%s: SIN needs offset, amplitude, frequency", elem.Name)
		}
		return device.Waveform{
			Kind:    device.WaveSIN,
			Offset:  at(0),
			Amp:     at(1),
			Freq:    at(2),
			Phase:   at(3),
			Delay:   at(4),
			Damping: at(5),
		}, nil

	case "pulse":
		if len(vals) < 7 {
			return device.Waveform{}, fmt.Errorf("%s: PULSE needs v1 v2 td tr tf pw per", elem.Name)
		}
		return device.Waveform{
			Kind:   device.WavePULSE,
			V1:     at(0),
			V2:     at(1),
			Delay:  at(2),
			Rise:   at(3),
			Fall:   at(4),
			Width:  at(5),
			Period: at(6),
		}, nil

	case "exp":
		if len(vals) < 6 {
			return device.Waveform{}, fmt.Errorf("%s: EXP needs v1 v2 td1 tau1 td2 tau2", elem.Name)
		}
		return device.Waveform{
			Kind:   device.WaveEXP,
			V1:     at(0),
			V2:     at(1),
			Delay:  at(2),
			Tau1:   at(3),
			Delay2: at(4),
			Tau2:   at(5),
		}, nil

	case "pwl":
		if len(vals) < 4 || len(vals)%2 != 0 {
			return device.Waveform{}, fmt.Errorf("%s: PWL needs time-value pairs", elem.Name)
		}
		n := len(vals) / 2
		times := make([]float64, n)
		values := make([]float64, n)
		for i := 0; i < n; i++ {
			times[i] = vals[2*i]
			values[i] = vals[2*i+1]
			if i > 0 && times[i] <= times[i-1] {
				return device.Waveform{}, fmt.Errorf("%s: PWL time points must be strictly increasing", elem.Name)
			}
		}
		return device.Waveform{Kind: device.WavePWL, Times: times, Values: values}, nil

	case "ac":
		if len(vals) < 2 {
			return device.Waveform{}, fmt.Errorf("%s: AC needs amplitude and frequency", elem.Name)
		}
		return device.Waveform{Kind: device.WaveAC, Amp: at(0), Freq: at(1), Phase: at(2)}, nil

	default: // dc
		return device.Waveform{Kind: device.WaveDC, Offset: at(0)}, nil
	}
}

// BuildCircuit assembles a parsed deck into a circuit ready to analyze.
func BuildCircuit(deck *Netlist) (*circuit.Circuit, error) {
	ckt := circuit.New(deck.Title)

	for _, elem := range deck.Elements {
		if elem.Type == "K" {
			k, err := ParseValue(elem.Params["k"])
			if err != nil {
				return nil, fmt.Errorf("coupling %s: %w", elem.Name, err)
			}
			decl, err := device.NewUniformCouplingDecl(elem.Name, elem.Nodes, k)
			if err != nil {
				return nil, err
			}
			ckt.AddCoupling(decl)
			continue
		}

		dev, err := CreateDevice(elem)
		if err != nil {
			return nil, err
		}
		ckt.AddDevice(dev)
	}

	if err := ckt.Build(); err != nil {
		return nil, err
	}
	return ckt, nil
}
