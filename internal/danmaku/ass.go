package danmaku

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	// scrollSeconds is how long a scrolling comment takes to cross the
	// screen edge to edge.
	scrollSeconds = 12.0
	// pinnedSeconds is how long a top or bottom comment stays on screen.
	pinnedSeconds = 4.0

	assFontName = "Microsoft YaHei"

	modeBottom = 4
	modeTop    = 5
)

// ASSOptions sizes the rendered subtitle track. The resolution comes from
// probing the recording the subtitles will be burned into.
type ASSOptions struct {
	FontSize    int
	SCFontSize  int
	ResolutionX int
	ResolutionY int
}

type assEvent struct {
	start float64
	text  string
	mode  int
	size  int
	color int
}

type chatDocument struct {
	XMLName xml.Name   `xml:"i"`
	Lines   []chatLine `xml:"d"`
}

type chatLine struct {
	Attrs string `xml:"p,attr"`
	Text  string `xml:",chardata"`
}

// ConvertToASS renders a chat XML file into an ASS subtitle track. Scrolling
// comments ride right-to-left lanes; top and bottom comments pin in place.
// Lines with unparseable attributes are skipped.
func ConvertToASS(xmlPath, assPath string, opts ASSOptions) error {
	raw, err := os.ReadFile(xmlPath)
	if err != nil {
		return fmt.Errorf("reading chat log: %w", err)
	}

	var doc chatDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing chat log: %w", err)
	}

	events := make([]assEvent, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		ev, ok := parseChatLine(line)
		if ok {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].start < events[j].start })

	out, err := os.Create(assPath)
	if err != nil {
		return fmt.Errorf("creating subtitle file: %w", err)
	}
	buf := bufio.NewWriter(out)

	writeASSHeader(buf, opts)
	writeASSEvents(buf, events, opts)

	if err := buf.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flushing subtitle file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing subtitle file: %w", err)
	}
	return nil
}

func parseChatLine(line chatLine) (assEvent, bool) {
	text := strings.TrimSpace(line.Text)
	if text == "" {
		return assEvent{}, false
	}
	fields := strings.Split(line.Attrs, ",")
	if len(fields) < 4 {
		return assEvent{}, false
	}
	start, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || start < 0 {
		return assEvent{}, false
	}
	mode, err := strconv.Atoi(fields[1])
	if err != nil {
		return assEvent{}, false
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil || size <= 0 {
		return assEvent{}, false
	}
	color, err := strconv.Atoi(fields[3])
	if err != nil || color < 0 {
		return assEvent{}, false
	}
	return assEvent{start: start, text: text, mode: mode, size: size, color: color}, true
}

func writeASSHeader(buf *bufio.Writer, opts ASSOptions) {
	fmt.Fprintln(buf, "[Script Info]")
	fmt.Fprintln(buf, "ScriptType: v4.00+")
	fmt.Fprintln(buf, "Collisions: Normal")
	fmt.Fprintf(buf, "PlayResX: %d\n", opts.ResolutionX)
	fmt.Fprintf(buf, "PlayResY: %d\n", opts.ResolutionY)
	fmt.Fprintln(buf, "Timer: 100.0000")
	fmt.Fprintln(buf, "WrapStyle: 2")
	fmt.Fprintln(buf, "ScaledBorderAndShadow: yes")
	fmt.Fprintln(buf)

	fmt.Fprintln(buf, "[V4+ Styles]")
	fmt.Fprintln(buf, "Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding")
	// Alpha 0x33 renders at 80% opacity; white fill over a black border.
	fmt.Fprintf(buf, "Style: R2L,%s,%d,&H33FFFFFF,&H33FFFFFF,&H33000000,&H33000000,0,0,0,0,100,100,0,0,1,2,0,7,0,0,0,1\n",
		assFontName, opts.FontSize)
	fmt.Fprintf(buf, "Style: Fix,%s,%d,&H33FFFFFF,&H33FFFFFF,&H33000000,&H33000000,0,0,0,0,100,100,0,0,1,2,0,8,0,0,20,1\n",
		assFontName, opts.SCFontSize)
	fmt.Fprintln(buf)

	fmt.Fprintln(buf, "[Events]")
	fmt.Fprintln(buf, "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text")
}

// scrollLane tracks the comment currently entering through a lane's right
// edge.
type scrollLane struct {
	occupied bool
	start    float64
	width    float64
}

// entryClear reports when the occupant's tail finishes entering the screen.
func (l *scrollLane) entryClear(resX float64) float64 {
	if !l.occupied {
		return 0
	}
	return l.start + l.width*scrollSeconds/(resX+l.width)
}

func writeASSEvents(buf *bufio.Writer, events []assEvent, opts ASSOptions) {
	resX := float64(opts.ResolutionX)
	laneHeight := opts.FontSize + opts.FontSize/4
	laneCount := opts.ResolutionY / laneHeight
	if laneCount < 1 {
		laneCount = 1
	}
	lanes := make([]scrollLane, laneCount)

	for _, ev := range events {
		switch ev.mode {
		case modeTop, modeBottom:
			writePinnedEvent(buf, ev, opts)
		default:
			writeScrollEvent(buf, ev, opts, lanes, laneHeight, resX)
		}
	}
}

func writeScrollEvent(buf *bufio.Writer, ev assEvent, opts ASSOptions, lanes []scrollLane, laneHeight int, resX float64) {
	fontSize := scaledFontSize(opts.FontSize, ev.size)
	width := textWidth(ev.text, fontSize)

	// First lane whose occupant has fully entered the screen by the time
	// this comment appears; otherwise the lane that frees up soonest.
	pick := -1
	for i := range lanes {
		if !lanes[i].occupied || lanes[i].entryClear(resX) <= ev.start {
			pick = i
			break
		}
	}
	if pick < 0 {
		pick = 0
		for i := 1; i < len(lanes); i++ {
			if lanes[i].entryClear(resX) < lanes[pick].entryClear(resX) {
				pick = i
			}
		}
	}
	lanes[pick] = scrollLane{occupied: true, start: ev.start, width: width}

	y := pick * laneHeight
	overrides := fmt.Sprintf(`\move(%d,%d,%d,%d)`, opts.ResolutionX, y, -int(width), y)
	overrides += styleOverrides(ev, opts.FontSize)

	fmt.Fprintf(buf, "Dialogue: 0,%s,%s,R2L,,0,0,0,,{%s}%s\n",
		assTime(ev.start), assTime(ev.start+scrollSeconds), overrides, assEscape(ev.text))
}

func writePinnedEvent(buf *bufio.Writer, ev assEvent, opts ASSOptions) {
	align := `\an8`
	if ev.mode == modeBottom {
		align = `\an2`
	}
	overrides := align + styleOverrides(ev, opts.SCFontSize)

	fmt.Fprintf(buf, "Dialogue: 1,%s,%s,Fix,,0,0,0,,{%s}%s\n",
		assTime(ev.start), assTime(ev.start+pinnedSeconds), overrides, assEscape(ev.text))
}

// styleOverrides emits inline color and size overrides when the line departs
// from the defaults baked into the styles.
func styleOverrides(ev assEvent, baseFont int) string {
	var sb strings.Builder
	if ev.size != defaultSize {
		fmt.Fprintf(&sb, `\fs%d`, scaledFontSize(baseFont, ev.size))
	}
	if ev.color != defaultColor {
		r := (ev.color >> 16) & 0xff
		g := (ev.color >> 8) & 0xff
		b := ev.color & 0xff
		fmt.Fprintf(&sb, `\c&H%02X%02X%02X&`, b, g, r)
	}
	return sb.String()
}

// scaledFontSize maps the platform's size field (25 is standard) onto the
// configured font size.
func scaledFontSize(baseFont, size int) int {
	scaled := baseFont * size / defaultSize
	if scaled < 1 {
		return 1
	}
	return scaled
}

// textWidth estimates rendered width in pixels. CJK glyphs occupy a full em,
// ASCII roughly half.
func textWidth(s string, fontSize int) float64 {
	cells := 0.0
	for _, r := range s {
		if r < 0x80 {
			cells += 0.5
		} else {
			cells += 1.0
		}
	}
	if cells == 0 {
		cells = 1
	}
	return cells * float64(fontSize)
}

// assTime formats seconds as an ASS timestamp (h:mm:ss.cc).
func assTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int(seconds*100 + 0.5)
	h := cs / 360000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

var assEscaper = strings.NewReplacer(
	`\`, `\\`,
	"{", `\{`,
	"}", `\}`,
	"\n", `\N`,
	"\r", "",
)

// assEscape neutralizes override-block and line-break characters in comment
// text.
func assEscape(s string) string {
	return assEscaper.Replace(s)
}
