package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/gorm"
)

// scanBufferSize bounds a single stream-json line. Tool results can be
// large; lines beyond this are dropped by the scanner.
const scanBufferSize = 4 * 1024 * 1024

// SubprocessOpts holds parameters for creating a Subprocess runtime.
type SubprocessOpts struct {
	Binary  string   // agent CLI binary, default "claude"
	WorkDir string   // working directory for the agent
	DB      *gorm.DB // optional: retain raw stream lines in raw_logs
}

// Subprocess runs agent turns as CLI subprocesses speaking stream-json
// on stdout and accepting tool continuations on stdin.
type Subprocess struct {
	binary  string
	workdir string
	db      *gorm.DB

	mu    sync.Mutex
	turns map[string]*turnProc // keyed by conversation ID
}

// turnProc is one running turn subprocess.
type turnProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
}

// NewSubprocess creates a Subprocess runtime.
func NewSubprocess(opts SubprocessOpts) *Subprocess {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}
	return &Subprocess{
		binary:  binary,
		workdir: opts.WorkDir,
		db:      opts.DB,
		turns:   make(map[string]*turnProc),
	}
}

// Start spawns one turn subprocess and returns its event stream.
func (s *Subprocess) Start(ctx context.Context, conversationID, input string) (<-chan Event, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("runtime: conversationID is required")
	}

	s.mu.Lock()
	if _, ok := s.turns[conversationID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("runtime: conversation %s already has an active turn", conversationID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.binary,
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"-p", input,
	)
	if s.workdir != "" {
		cmd.Dir = s.workdir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: start %s: %w", s.binary, err)
	}

	s.mu.Lock()
	s.turns[conversationID] = &turnProc{cmd: cmd, stdin: stdin, cancel: cancel}
	s.mu.Unlock()

	events := make(chan Event, 64)
	go s.pump(conversationID, cmd, stdout, events)
	return events, nil
}

// pump scans subprocess output into typed events, guarantees a terminal
// event, and cleans up when the process exits.
func (s *Subprocess) pump(conversationID string, cmd *exec.Cmd, stdout io.Reader, events chan<- Event) {
	var raw strings.Builder
	terminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		if s.db != nil {
			raw.WriteString(line)
			raw.WriteByte('\n')
		}
		for _, ev := range ParseLine(line) {
			if ev.Kind == EventDone || ev.Kind == EventFault {
				terminal = true
			}
			events <- ev
		}
	}

	waitErr := cmd.Wait()

	s.mu.Lock()
	delete(s.turns, conversationID)
	s.mu.Unlock()

	s.flushRaw(conversationID, raw.String())

	// A stream that ends without a result line still terminates cleanly
	// for the consumer.
	if !terminal {
		if waitErr != nil {
			events <- Event{Kind: EventFault, Fault: waitErr.Error()}
		} else {
			events <- Event{Kind: EventDone}
		}
	}
	close(events)
}

// Interrupt signals the conversation's active turn subprocess to unwind.
func (s *Subprocess) Interrupt(conversationID string) error {
	s.mu.Lock()
	tp, ok := s.turns[conversationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no active turn for %s", conversationID)
	}
	tp.cancel()
	return nil
}

// Answer writes a tool continuation line to the turn's stdin, resuming
// the invocation that raised the question.
func (s *Subprocess) Answer(conversationID, invocationID, answer string) error {
	s.mu.Lock()
	tp, ok := s.turns[conversationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no active turn for %s", conversationID)
	}

	line, err := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "tool_result", "tool_use_id": invocationID, "content": answer},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("runtime: marshal answer: %w", err)
	}
	line = append(line, '\n')
	if _, err := tp.stdin.Write(line); err != nil {
		return fmt.Errorf("runtime: deliver answer for %s: %w", invocationID, err)
	}
	return nil
}

// flushRaw retains captured stream output. Best-effort telemetry.
func (s *Subprocess) flushRaw(conversationID, content string) {
	if s.db == nil || content == "" {
		return
	}
	rl := models.RawLog{
		ConversationID: conversationID,
		Direction:      "out",
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(&rl).Error; err != nil {
		log.Printf("runtime: flush raw log for %s: %v", conversationID, err)
	}
}
