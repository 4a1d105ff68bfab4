package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

type orchestratorConfig struct {
	exe         string
	dir         string
	duration    time.Duration
	cycles      int
	minInterval time.Duration
	maxInterval time.Duration
	killMode    string
	verbose     bool
	rng         *rand.Rand
	writer      writerConfig
}

type crashStats struct {
	cycles   int
	acked    int64
	verified int
	elapsed  time.Duration
}

func (s *crashStats) print() {
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Crash cycles: %d, verified: %d\n", s.cycles, s.verified)
	fmt.Printf("Acknowledged batches: %d\n", s.acked)
	fmt.Printf("Elapsed: %v\n", s.elapsed.Round(time.Millisecond))
}

// ackState is the highest acknowledged sequence number per thread.
type ackState struct {
	mu  sync.Mutex
	max []int64
}

func (a *ackState) record(thread int, seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if thread >= 0 && thread < len(a.max) && seq > a.max[thread] {
		a.max[thread] = seq
	}
}

func (a *ackState) snapshot() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.max...)
}

func runCrashCycles(ctx context.Context, cfg orchestratorConfig) (*crashStats, error) {
	stats := &crashStats{}
	start := time.Now()
	defer func() { stats.elapsed = time.Since(start) }()

	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return stats, err
	}
	acks := &ackState{max: make([]int64, cfg.writer.threads)}

	for cfg.cycles == 0 || stats.cycles < cfg.cycles {
		if ctx.Err() != nil || (cfg.cycles == 0 && time.Since(start) > cfg.duration) {
			break
		}
		stats.cycles++
		crashAfter := cfg.minInterval
		if span := cfg.maxInterval - cfg.minInterval; span > 0 {
			crashAfter += time.Duration(cfg.rng.Int63n(int64(span)))
		}
		if cfg.verbose {
			fmt.Printf("Cycle %d: crashing writer after %v\n", stats.cycles, crashAfter)
		}

		before := sum(acks.snapshot())
		if err := runWriterAndCrash(ctx, cfg, crashAfter, acks); err != nil {
			return stats, fmt.Errorf("cycle %d: %w", stats.cycles, err)
		}
		stats.acked += sum(acks.snapshot()) - before

		if err := verify(cfg, acks.snapshot()); err != nil {
			return stats, fmt.Errorf("cycle %d: %w", stats.cycles, err)
		}
		stats.verified++
		if cfg.verbose {
			fmt.Printf("Cycle %d: ✓ verified (acked %v)\n", stats.cycles, acks.snapshot())
		}
	}
	return stats, nil
}

func sum(v []int64) int64 {
	var n int64
	for _, x := range v {
		n += x
	}
	return n
}

// runWriterAndCrash starts a writer, lets it run for crashAfter once it is
// ready and kills it.
func runWriterAndCrash(ctx context.Context, cfg orchestratorConfig, crashAfter time.Duration, acks *ackState) error {
	cmd := exec.Command(cfg.exe, cfg.writer.args(cfg.dir)...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}

	ready := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readAcks(stdout, ready, acks)
	}()

	exited := make(chan error, 1)
	go func() {
		<-readDone
		exited <- cmd.Wait()
	}()

	select {
	case <-ready:
	case err := <-exited:
		return fmt.Errorf("writer exited before ready: %v: %s", err, stderr.String())
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
		return errors.New("writer not ready after 30s")
	}

	select {
	case <-time.After(crashAfter):
	case <-ctx.Done():
	case err := <-exited:
		return fmt.Errorf("writer exited early: %v: %s", err, stderr.String())
	}

	if err := kill(cmd.Process, cfg.killMode, cfg.rng); err != nil {
		return err
	}
	<-exited
	return nil
}

func readAcks(r io.Reader, ready chan<- struct{}, acks *ackState) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "ready" {
			close(ready)
			continue
		}
		var thread int
		var seq int64
		if _, err := fmt.Sscanf(line, "ack %d %d", &thread, &seq); err == nil {
			acks.record(thread, seq)
		}
	}
}

func kill(proc *os.Process, mode string, rng *rand.Rand) error {
	sig := syscall.SIGKILL
	switch mode {
	case "sigkill":
	case "sigterm":
		sig = syscall.SIGTERM
	case "random":
		if rng.Intn(2) == 0 {
			sig = syscall.SIGTERM
		}
	default:
		return fmt.Errorf("unknown kill mode %q", mode)
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill writer: %w", err)
	}
	return nil
}

// verify opens the store read-only and checks it against the highest
// acknowledged sequence number of every thread.
func verify(cfg orchestratorConfig, acked []int64) error {
	store, err := openStore(cfg.dir, cfg.writer, true)
	if err != nil {
		return fmt.Errorf("reopen after crash: %w", err)
	}
	defer func() { _ = store.Close() }()

	for t, ack := range acked {
		var c int64
		if e, ok := store.Get(counterKey(t)); ok {
			cnt, ok := e.(*counter)
			if !ok {
				return fmt.Errorf("%s holds %T", counterKey(t), e)
			}
			c = cnt.Seq
			if cnt.Version() != c {
				return fmt.Errorf("%s: version %d after %d batches", counterKey(t), cnt.Version(), c)
			}
		}
		if c < ack {
			return fmt.Errorf("thread %d: lost acknowledged batches: store has %d, acked %d", t, c, ack)
		}

		// Batches land whole: data records exist exactly up to the counter.
		for seq := int64(1); seq <= c+1; seq++ {
			key := dataKey(t, seq)
			e, ok := store.Get(key)
			if want := liveAfter(seq, c); ok != want {
				return fmt.Errorf("%s: found=%v, want %v (counter %d)", key, ok, want, c)
			}
			if !ok {
				continue
			}
			d, isData := e.(*dataRecord)
			if !isData || d.Seq != seq || d.Body != bodyFor(t, seq) {
				return fmt.Errorf("%s: unexpected record %+v", key, e)
			}
		}
	}

	entities, dead := store.Stats()
	if cfg.verbose {
		fmt.Printf("  store: %d entities, %d dead, file %s\n", entities, dead, filepath.Join(cfg.dir, storeFile))
	}
	return nil
}
