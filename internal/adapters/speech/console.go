package speech

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/lipgloss"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
)

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSubtext = lipgloss.Color("#A0AEC0")
	colorSuccess = lipgloss.Color("#38A169")

	aiStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	noteStyle = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Italic(true)

	summaryStyle = lipgloss.NewStyle().
			Padding(1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Width(60)
)

// EndCommand typed on its own line ends the conversation.
const EndCommand = "/end"

// Console captures candidate answers line by line from in and plays AI
// utterances to out.
type Console struct {
	out            io.Writer
	clock          clock.Clock
	wordsPerMinute int

	lines chan string
	errc  chan error
	once  sync.Once
	in    io.Reader

	mu sync.Mutex // serialises writes to out
}

var (
	_ core.SpeechCapture  = (*Console)(nil)
	_ core.SpeechPlayback = (*Console)(nil)
)

func NewConsole(in io.Reader, out io.Writer, clk clock.Clock, wpm int) *Console {
	if clk == nil {
		clk = clock.New()
	}
	return &Console{
		in:             in,
		out:            out,
		clock:          clk,
		wordsPerMinute: wpm,
		lines:          make(chan string),
		errc:           make(chan error, 1),
	}
}

// read runs once; a blocked stdin read cannot be interrupted, so Capture
// only stops waiting for it.
func (c *Console) read() {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		c.lines <- sc.Text()
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.errc <- err
}

// Capture returns the next non-empty line. EOF or EndCommand end the conversation.
func (c *Console) Capture(ctx context.Context) (core.Utterance, error) {
	c.once.Do(func() { go c.read() })
	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return core.Utterance{}, ctx.Err()
		case err := <-c.errc:
			c.errc <- err
			return core.Utterance{}, err
		case line := <-c.lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == EndCommand {
				return core.Utterance{}, io.EOF
			}
			return core.Utterance{Text: text, Metadata: map[string]any{"source": "console"}}, nil
		}
	}
}

func (c *Console) Play(ctx context.Context, text string) error {
	c.mu.Lock()
	fmt.Fprintln(c.out, aiStyle.Render("AI ▸ ")+text)
	c.mu.Unlock()
	return wait(ctx, c.clock, SpokenDuration(text, c.wordsPerMinute))
}

func (c *Console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, promptStyle.Render("you ▸ "))
}

// Note prints a status line such as a phase change.
func (c *Console) Note(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, noteStyle.Render(fmt.Sprintf(format, args...)))
}

// Summary prints the final interview summary in a box.
func (c *Console) Summary(s domain.Summary) {
	text := s.Text
	if text == "" && len(s.Extra) > 0 {
		text = fmt.Sprintf("%v", s.Extra)
	}
	if text == "" {
		text = "(no summary)"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, summaryStyle.Render(aiStyle.Render("Summary")+"\n\n"+text))
}
