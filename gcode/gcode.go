// Package gcode is a line-oriented tokenizer/parser that turns a raw ASCII
// line into a ParsedMove, a modal-state mutation, or a $-settings command.
// It owns all modal state (G90/G91, work offsets G54-G59, G92) so the core
// only ever sees resolved machine-frame targets.
package gcode

import (
	"fmt"
	"strconv"
	"strings"

	"cncmotion.dev/core/kinematics"
)

// MotionMode selects which motion command a line carries.
type MotionMode int

const (
	ModeRapid MotionMode = iota
	ModeFeed
	ModeArcCW
	ModeArcCCW
)

// ParsedMove is the fully resolved result of parsing one motion line: every
// coordinate is already machine-frame, with WCS offsets and G92 applied.
type ParsedMove struct {
	Mode             MotionMode
	StartMM          [kinematics.NumAxes]float64 // position before this move
	TargetMM         [kinematics.NumAxes]float64
	FeedrateMMPerMin float64
	HasCenter        bool
	CenterMM         [2]float64 // I/J offsets, relative to start, in the active plane
	PlaneAxis0       int
	PlaneAxis1       int
}

// CurrentPosition is the parser's last resolved machine-frame position,
// used by callers (e.g. the arc generator) that need the starting point of
// the next move before it has been parsed.
func (p *Parser) CurrentPosition() [kinematics.NumAxes]float64 {
	return p.currentPos
}

// SettingCommand is a parsed `$n=val` or bare `$$`/`$n` query.
type SettingCommand struct {
	Query bool
	Index int
	Value float64
}

// word is one letter+number token, e.g. "X12.5" or "G1".
type word struct {
	letter byte
	value  float64
}

// axisLetters maps word letters to axes, in kinematics.AxisID order.
var axisLetters = [kinematics.NumAxes]byte{'X', 'Y', 'Z', 'A'}

// Plane selects the active arc plane (G17/G18/G19).
type Plane int

const (
	PlaneXY Plane = iota
	PlaneXZ
	PlaneYZ
)

func (p Plane) axes() (int, int) {
	switch p {
	case PlaneXZ:
		return 0, 2
	case PlaneYZ:
		return 1, 2
	default:
		return 0, 1
	}
}

// Parser owns modal state across successive lines.
type Parser struct {
	absoluteMode bool // true = G90, false = G91

	plane Plane

	workOffset [kinematics.NumAxes]float64 // active G54-G59 offset
	g92Offset  [kinematics.NumAxes]float64

	currentPos       [kinematics.NumAxes]float64 // last resolved machine-frame position
	lastFeedrate     float64
	workOffsetTables [6][kinematics.NumAxes]float64 // G54..G59
}

// New constructs a Parser in its default modal state: absolute positioning,
// plane XY, G54 active, zero offsets.
func New() *Parser {
	return &Parser{absoluteMode: true}
}

// Parse tokenizes and resolves one line. It returns at most one of
// (*ParsedMove, *SettingCommand); both nil means the line was a pure modal
// mutation (e.g. "G91", "G54") with nothing further to report.
func (p *Parser) Parse(line string) (*ParsedMove, *SettingCommand, error) {
	line = stripComment(line)
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil, nil
	}

	if strings.HasPrefix(line, "$") {
		cmd, err := parseSetting(line)
		return nil, cmd, err
	}

	words, err := tokenize(line)
	if err != nil {
		return nil, nil, err
	}

	var gCode = -1
	var mCode = -1
	var feedrate float64
	haveFeedrate := false
	var axisVals [kinematics.NumAxes]float64
	var axisSeen [kinematics.NumAxes]bool
	var haveI, haveJ bool
	var ival, jval float64

	for _, w := range words {
		switch w.letter {
		case 'G':
			gCode = int(w.value)
		case 'M':
			mCode = int(w.value)
		case 'F':
			feedrate = w.value
			haveFeedrate = true
		case 'I':
			ival, haveI = w.value, true
		case 'J':
			jval, haveJ = w.value, true
		default:
			for i, letter := range axisLetters {
				if w.letter == letter {
					axisVals[i] = w.value
					axisSeen[i] = true
				}
			}
		}
	}
	_ = mCode // M-codes (spindle/coolant/program control) are out of scope here.

	if haveFeedrate {
		p.lastFeedrate = feedrate
	}

	switch gCode {
	case 90:
		p.absoluteMode = true
		return nil, nil, nil
	case 91:
		p.absoluteMode = false
		return nil, nil, nil
	case 92:
		p.applyG92(axisVals, axisSeen)
		return nil, nil, nil
	case 54, 55, 56, 57, 58, 59:
		p.workOffset = p.workOffsetTables[gCode-54]
		return nil, nil, nil
	case 17:
		p.plane = PlaneXY
		return nil, nil, nil
	case 18:
		p.plane = PlaneXZ
		return nil, nil, nil
	case 19:
		p.plane = PlaneYZ
		return nil, nil, nil
	}

	target := p.resolveTarget(axisVals, axisSeen)

	mode := ModeFeed
	switch gCode {
	case 0:
		mode = ModeRapid
	case 2:
		mode = ModeArcCW
	case 3:
		mode = ModeArcCCW
	}

	move := &ParsedMove{
		Mode:             mode,
		StartMM:          p.currentPos,
		TargetMM:         target,
		FeedrateMMPerMin: p.lastFeedrate,
	}

	if mode == ModeArcCW || mode == ModeArcCCW {
		if !haveI && !haveJ {
			return nil, nil, fmt.Errorf("gcode: arc move missing I/J center offset")
		}
		a0, a1 := p.plane.axes()
		move.HasCenter = true
		move.CenterMM = [2]float64{ival, jval}
		move.PlaneAxis0, move.PlaneAxis1 = a0, a1
	}

	p.currentPos = target
	return move, nil, nil
}

// resolveTarget turns per-axis raw values (absolute or relative per modal
// state) into a machine-frame target, folding in the active work offset and
// any G92 shift.
func (p *Parser) resolveTarget(axisVals [kinematics.NumAxes]float64, seen [kinematics.NumAxes]bool) [kinematics.NumAxes]float64 {
	target := p.currentPos
	for i := 0; i < kinematics.NumAxes; i++ {
		if !seen[i] {
			continue
		}
		if p.absoluteMode {
			target[i] = axisVals[i] + p.workOffset[i] + p.g92Offset[i]
		} else {
			target[i] = p.currentPos[i] + axisVals[i]
		}
	}
	return target
}

// applyG92 sets the G92 offset so the given axis values become the new
// current position in the active work coordinate system.
func (p *Parser) applyG92(axisVals [kinematics.NumAxes]float64, seen [kinematics.NumAxes]bool) {
	for i := 0; i < kinematics.NumAxes; i++ {
		if !seen[i] {
			continue
		}
		p.g92Offset[i] = p.currentPos[i] - p.workOffset[i] - axisVals[i]
	}
}

// SetWorkOffsetTable installs the machine-frame origin for one of G54-G59
// (index 0-5); normally driven by a one-time configuration load.
func (p *Parser) SetWorkOffsetTable(index int, offset [kinematics.NumAxes]float64) error {
	if index < 0 || index > 5 {
		return fmt.Errorf("gcode: work offset index %d out of range [0,5]", index)
	}
	p.workOffsetTables[index] = offset
	return nil
}

// SetCurrentPosition reseeds the parser's machine-frame position, used
// after a soft reset so subsequent relative moves resolve against the
// position the machine actually froze at.
func (p *Parser) SetCurrentPosition(pos [kinematics.NumAxes]float64) {
	p.currentPos = pos
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	for {
		open := strings.IndexByte(line, '(')
		if open < 0 {
			break
		}
		closeIdx := strings.IndexByte(line[open:], ')')
		if closeIdx < 0 {
			line = line[:open]
			break
		}
		line = line[:open] + line[open+closeIdx+1:]
	}
	return line
}

func tokenize(line string) ([]word, error) {
	var words []word
	fields := strings.Fields(line)
	for _, f := range fields {
		f = strings.ToUpper(f)
		if len(f) < 2 {
			return nil, fmt.Errorf("gcode: malformed word %q", f)
		}
		letter := f[0]
		val, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("gcode: bad numeric value in %q: %w", f, err)
		}
		words = append(words, word{letter: letter, value: val})
	}
	return words, nil
}

func parseSetting(line string) (*SettingCommand, error) {
	body := line[1:]
	if body == "$" || body == "" {
		return &SettingCommand{Query: true, Index: -1}, nil
	}
	parts := strings.SplitN(body, "=", 2)
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("gcode: bad setting index in %q: %w", line, err)
	}
	if len(parts) == 1 {
		return &SettingCommand{Query: true, Index: index}, nil
	}
	val, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("gcode: bad setting value in %q: %w", line, err)
	}
	return &SettingCommand{Index: index, Value: val}, nil
}
