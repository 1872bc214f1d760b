package parser

import (
	"regexp"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

var (
	configRe = regexp.MustCompile(`\[config\]\s*(.*)$`)
	configKV = regexp.MustCompile(`([A-Za-z][\w-]*):\s+(\S+)`)

	validRe = regexp.MustCompile(
		`\[valid\]\s+Ep\.\s+(?P<epoch>[\d.]+)\s+:\s+Up\.\s+(?P<updates>\d+)\s+:\s+` +
			`(?P<metric>[A-Za-z][\w+-]*)\s+:\s+(?P<value>[\d.]+(?:[eE][+-]?\d+)?)` +
			`(?:\s+:\s+stalled\s+(?P<stalled>\d+))?`)

	trainRe = regexp.MustCompile(
		`Ep\.\s+(?P<epoch>[\d.]+)\s+:\s+Up\.\s+(?P<updates>\d+)\s+:\s+Sen\.\s+(?P<sentences>[\d,]+)\s+:\s+` +
			`(?P<metric>[A-Za-z][\w-]*)\s+(?P<value>[\d.]+(?:[eE][+-]?\d+)?)` +
			`(?:\s+\*\s+(?P<labels>[\d,]+)\s+@\s+(?P<batch>[\d,]+)\s+after\s+(?P<total>[\d,]+))?`)
	learnRateRe = regexp.MustCompile(`L\.r\.\s+(?P<lr>[\d.]+(?:[eE][+-]?\d+)?)`)
	wordsRe     = regexp.MustCompile(`(?P<wps>[\d.]+)\s+words/s`)
	gradNormRe  = regexp.MustCompile(`gNorm\s+(?P<gnorm>[\d.]+(?:[eE][+-]?\d+)?)`)

	seenRe = regexp.MustCompile(`Seen\s+(?P<seen>[\d,]+)`)
)

// matcher is one independent rule over a line
type matcher func(p *MarianParser, line string) ([]types.MetricEvent, error)

// MarianParser extracts training and validation metrics from Marian logs.
// Every matcher runs on every line, in declaration order.
type MarianParser struct {
	state    *State
	matchers []matcher
}

// NewMarianParser creates a parser around state; a nil state starts at zero
func NewMarianParser(state *State) *MarianParser {
	if state == nil {
		state = NewState(0)
	}

	return &MarianParser{
		state: state,
		matchers: []matcher{
			matchConfig,
			matchValid,
			matchTrain,
			matchSeen,
		},
	}
}

// State returns the parser's running aggregate
func (p *MarianParser) State() *State {
	return p.state
}

// Name returns the parser name
func (p *MarianParser) Name() string {
	return "marian"
}

// Parse runs every matcher over line. A malformed field discards the whole
// line and leaves the state untouched.
func (p *MarianParser) Parse(line string) ([]types.MetricEvent, error) {
	var events []types.MetricEvent
	for _, match := range p.matchers {
		found, err := match(p, line)
		if err != nil {
			return nil, err
		}
		events = append(events, found...)
	}
	return events, nil
}

func matchConfig(_ *MarianParser, line string) ([]types.MetricEvent, error) {
	m := configRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}

	var events []types.MetricEvent
	for _, kv := range configKV.FindAllStringSubmatch(m[1], -1) {
		events = append(events, types.Text(kv[1], kv[2]))
	}
	return events, nil
}

func matchValid(_ *MarianParser, line string) ([]types.MetricEvent, error) {
	m := validRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}
	group := func(name string) string { return m[validRe.SubexpIndex(name)] }

	wallTime, err := ParseWallTime(line)
	if err != nil {
		return nil, err
	}
	step, err := parseCount(group("updates"))
	if err != nil {
		return nil, err
	}
	value, err := parseValue(group("value"))
	if err != nil {
		return nil, err
	}

	var stalled int64
	if s := group("stalled"); s != "" {
		if stalled, err = parseCount(s); err != nil {
			return nil, err
		}
	}

	metric := "valid/" + group("metric")
	return []types.MetricEvent{
		types.Scalar(metric, step, wallTime, value),
		types.Scalar(metric+"_stalled", step, wallTime, float64(stalled)),
	}, nil
}

func matchTrain(p *MarianParser, line string) ([]types.MetricEvent, error) {
	m := trainRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}
	group := func(name string) string { return m[trainRe.SubexpIndex(name)] }

	wallTime, err := ParseWallTime(line)
	if err != nil {
		return nil, err
	}
	epoch, err := parseValue(group("epoch"))
	if err != nil {
		return nil, err
	}
	step, err := parseCount(group("updates"))
	if err != nil {
		return nil, err
	}
	sentences, err := parseCount(group("sentences"))
	if err != nil {
		return nil, err
	}
	value, err := parseValue(group("value"))
	if err != nil {
		return nil, err
	}

	events := []types.MetricEvent{
		types.Scalar("train/epoch", step, wallTime, epoch),
		types.Scalar("train/"+group("metric"), step, wallTime, value),
		types.Scalar("train/update_sent", step, wallTime, float64(sentences)),
		types.Scalar("train/total_sent", step, wallTime, float64(sentences+p.state.Total())),
	}

	if lr := learnRateRe.FindStringSubmatch(line); lr != nil {
		rate, err := parseValue(lr[1])
		if err != nil {
			return nil, err
		}
		events = append(events, types.Scalar("train/learn_rate", step, wallTime, rate))
	}

	// Newer logs report label counts after the cost
	if group("batch") == "" {
		return events, nil
	}

	batch, err := parseCount(group("batch"))
	if err != nil {
		return nil, err
	}
	totalLabels, err := parseCount(group("total"))
	if err != nil {
		return nil, err
	}
	events = append(events,
		types.Scalar("train/effective_batch_size", step, wallTime, float64(batch)),
		types.Scalar("train/total_labels", step, wallTime, float64(totalLabels)),
	)

	if w := wordsRe.FindStringSubmatch(line); w != nil {
		wps, err := parseValue(w[1])
		if err != nil {
			return nil, err
		}
		events = append(events, types.Scalar("train/words_per_second", step, wallTime, wps))
	}
	if g := gradNormRe.FindStringSubmatch(line); g != nil {
		norm, err := parseValue(g[1])
		if err != nil {
			return nil, err
		}
		events = append(events, types.Scalar("train/gradient_norm", step, wallTime, norm))
	}

	return events, nil
}

func matchSeen(p *MarianParser, line string) ([]types.MetricEvent, error) {
	m := seenRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}

	n, err := parseCount(m[1])
	if err != nil {
		return nil, err
	}
	p.state.add(n)

	return nil, nil
}
