package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

type stdioSource struct {
	sc   *bufio.Scanner
	done bool
}

func newStdioSource(cfg ConsumerConfig) *stdioSource {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024), maxLine)
	return &stdioSource{sc: sc}
}

// next blocks on the reader; cancellation takes effect once a line arrives.
func (s *stdioSource) next(ctx context.Context) (Message, error) {
	for !s.done {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if !s.sc.Scan() {
			s.done = true
			if err := s.sc.Err(); err != nil {
				return Message{}, err
			}
			break
		}
		if len(s.sc.Bytes()) == 0 {
			continue
		}
		return Message{
			Value:     append([]byte(nil), s.sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}, nil
	}
	return Message{}, io.EOF
}

func (s *stdioSource) close() error { return nil }

type stdioProducer struct {
	w  io.Writer
	mu sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

// Publish writes payload as one line. Topic and key are not representable
// on stdio and are dropped.
func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
