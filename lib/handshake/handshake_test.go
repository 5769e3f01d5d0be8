// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/serialport"
	"github.com/shepherd-fleet/shepherd/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// bootLog is a trimmed NerdMiner v1.6 console capture.
var bootLog = []string{
	"ets Jun  8 2016 00:22:57",
	"rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)",
	"Initiating tasks...",
	"{",
	`  "poolString": "public-pool.io",`,
	`  "portNumber": 21496,`,
	`  "btcString": "bc1qexamplewallet.rig7",`,
	`  "nmVersion": "v1.6.3",`,
	`  "FirmwareVersion": "1.6.0",`,
	"}",
	"*wm:STA IP Address: 192.168.1.77",
	"[WORKER] Started. Running (Stratum)",
	"[MINER] 0 Started minerWorkerHw Task!",
	"CONNECTED - Current ip: 192.168.1.77",
	"Resolved DNS and save ip (first time)",
	"[WORKER] ==> Mining subscribe",
	"[WORKER] ==> Autorize work",
	"[MINER] job received",
}

func collect(lines []string) []Token {
	return slices.Collect(Tokenize(slices.Values(lines)))
}

func markerStates(tokens []Token) []schema.State {
	var states []schema.State
	for _, token := range tokens {
		if token.Kind == TokenMarker {
			states = append(states, token.State)
		}
	}
	return states
}

func TestTokenizeBootLog(t *testing.T) {
	tokens := collect(bootLog)

	if got := markerStates(tokens); !slices.Equal(got, schema.HandshakeSteps) {
		t.Errorf("markers = %v, want %v", got, schema.HandshakeSteps)
	}

	var configs []schema.CapturedConfig
	for _, token := range tokens {
		if token.Kind == TokenConfig {
			configs = append(configs, token.Config)
		}
	}
	if len(configs) != 2 {
		t.Fatalf("expected block and IP config tokens, got %d: %+v", len(configs), configs)
	}
	want := schema.CapturedConfig{
		PoolURL:         "public-pool.io",
		WalletAddress:   "bc1qexamplewallet.rig7",
		FirmwareVersion: "v1.6.3",
	}
	if configs[0] != want {
		t.Errorf("block config = %+v, want %+v", configs[0], want)
	}
	if configs[1].IPAddress != "192.168.1.77" {
		t.Errorf("IP config = %+v", configs[1])
	}
}

func TestTokenizeRestartable(t *testing.T) {
	sequence := Tokenize(slices.Values(bootLog))
	first := slices.Collect(sequence)
	second := slices.Collect(sequence)
	if len(first) == 0 || len(first) != len(second) {
		t.Errorf("second iteration yielded %d tokens, first %d", len(second), len(first))
	}
}

func TestTokenizeStopsEarly(t *testing.T) {
	count := 0
	for range Tokenize(slices.Values(bootLog)) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("expected early break after 2 tokens, got %d", count)
	}
}

func TestTokenizeConfigBlocks(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []schema.CapturedConfig
	}{
		{
			name:  "one-line block",
			lines: []string{`{"poolString":"pool.example","btcString":"bc1q"}`},
			want:  []schema.CapturedConfig{{PoolURL: "pool.example", WalletAddress: "bc1q"}},
		},
		{
			name:  "firmware version fallback",
			lines: []string{"{", `"FirmwareVersion": "1.5.2"`, "}"},
			want:  []schema.CapturedConfig{{FirmwareVersion: "1.5.2"}},
		},
		{
			name:  "trailing comma and comment tolerated",
			lines: []string{"{", `"poolString": "p", // primary`, `"btcString": "w",`, "}"},
			want:  []schema.CapturedConfig{{PoolURL: "p", WalletAddress: "w"}},
		},
		{
			name:  "malformed block dropped",
			lines: []string{"{", `"poolString": `, "}"},
		},
		{
			name:  "block without known keys dropped",
			lines: []string{"{", `"gmtZone": -5`, "}"},
		},
		{
			name:  "unterminated block abandoned",
			lines: append([]string{"{"}, slices.Repeat([]string{strings.Repeat("x", 100)}, 50)...),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got []schema.CapturedConfig
			for _, token := range collect(test.lines) {
				if token.Kind == TokenConfig {
					got = append(got, token.Config)
				}
			}
			if !slices.Equal(got, test.want) {
				t.Errorf("configs = %+v, want %+v", got, test.want)
			}
		})
	}
}

func TestTokenizeMarkerAfterAbandonedBlock(t *testing.T) {
	lines := append([]string{"{"}, slices.Repeat([]string{strings.Repeat("x", 100)}, 50)...)
	lines = append(lines, "[WORKER] ==> Mining subscribe")
	if got := markerStates(collect(lines)); !slices.Equal(got, []schema.State{schema.StateMiningSubscribe}) {
		t.Errorf("markers = %v", got)
	}
}

func TestTokenizeAuthorizeSpellings(t *testing.T) {
	for _, line := range []string{"[WORKER] ==> Autorize work", "  [WORKER] ==> Authorize work  "} {
		got := markerStates(collect([]string{line}))
		if !slices.Equal(got, []schema.State{schema.StateMiningAuthorize}) {
			t.Errorf("%q: markers = %v", line, got)
		}
	}
}

func TestParserOnlyAdvances(t *testing.T) {
	parser := &Parser{}
	apply := func(state schema.State) bool {
		return parser.Apply(Token{Kind: TokenMarker, State: state}).Advanced
	}

	if !apply(schema.StateBooting) {
		t.Error("first marker should advance")
	}
	if !apply(schema.StateConnectedIP) {
		t.Error("skipping ahead should advance")
	}
	if apply(schema.StateWorkerStarted) {
		t.Error("earlier marker should not advance")
	}
	if apply(schema.StateConnectedIP) {
		t.Error("repeated marker should not advance")
	}
	if parser.State() != schema.StateConnectedIP {
		t.Errorf("state = %s, want ConnectedIP", parser.State())
	}

	apply(schema.StateMiningAuthorize)
	if !parser.Authorized() {
		t.Fatal("expected authorized")
	}
	change := parser.Apply(Token{Kind: TokenConfig, Config: schema.CapturedConfig{PoolURL: "late"}})
	if change.ConfigChanged || parser.Config().PoolURL != "" {
		t.Error("tokens after MiningAuthorize should be ignored")
	}
}

func TestParserConfigMerge(t *testing.T) {
	parser := &Parser{}
	if !parser.Apply(Token{Kind: TokenConfig, Config: schema.CapturedConfig{PoolURL: "p"}}).ConfigChanged {
		t.Error("new field should change config")
	}
	if parser.Apply(Token{Kind: TokenConfig, Config: schema.CapturedConfig{PoolURL: "p"}}).ConfigChanged {
		t.Error("identical field should not change config")
	}
	parser.Apply(Token{Kind: TokenConfig, Config: schema.CapturedConfig{IPAddress: "10.0.0.2"}})
	want := schema.CapturedConfig{PoolURL: "p", IPAddress: "10.0.0.2"}
	if parser.Config() != want {
		t.Errorf("config = %+v, want %+v", parser.Config(), want)
	}
}

// recorder is an Observer that records calls.
type recorder struct {
	mu       sync.Mutex
	progress []schema.State
	configs  []schema.CapturedConfig
	stepped  chan schema.State
	failAt   schema.State
}

func newRecorder() *recorder {
	return &recorder{stepped: make(chan schema.State, 16)}
}

func (r *recorder) Progress(state schema.State) error {
	r.mu.Lock()
	r.progress = append(r.progress, state)
	r.mu.Unlock()
	r.stepped <- state
	if state == r.failAt {
		return errFromObserver
	}
	return nil
}

func (r *recorder) Config(config schema.CapturedConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, config)
	return nil
}

var errFromObserver = errors.New("observer failure")

type runOutcome struct {
	result Result
	err    error
}

func startRun(t *testing.T, ctx context.Context, reader io.Reader, fakeClock *clock.FakeClock, observer Observer) <-chan runOutcome {
	t.Helper()
	done := make(chan runOutcome, 1)
	go func() {
		result, err := Run(ctx, reader, RunConfig{Window: time.Minute, Clock: fakeClock, Path: "/dev/ttyACM0"}, observer)
		done <- runOutcome{result, err}
	}()
	return done
}

// feed writes lines to writer until one fails. It runs on its own
// goroutine in most tests, so write errors after the reader is
// abandoned are expected and ignored.
func feed(writer io.Writer, lines ...string) {
	for _, line := range lines {
		if _, err := io.WriteString(writer, line+"\n"); err != nil {
			return
		}
	}
}

func TestRunCompletesOnAuthorize(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	fakeClock := clock.Fake(epoch)
	observer := newRecorder()

	done := startRun(t, context.Background(), reader, fakeClock, observer)
	go feed(writer, bootLog...)

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake run")
	if outcome.err != nil {
		t.Fatalf("Run: %v", outcome.err)
	}
	if !outcome.result.Authorized || outcome.result.State != schema.StateMiningAuthorize {
		t.Errorf("result = %+v", outcome.result)
	}
	if outcome.result.Config.IPAddress != "192.168.1.77" || outcome.result.Config.PoolURL != "public-pool.io" {
		t.Errorf("config = %+v", outcome.result.Config)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if !slices.Equal(observer.progress, schema.HandshakeSteps) {
		t.Errorf("observed progress = %v", observer.progress)
	}
	if len(observer.configs) != 2 {
		t.Errorf("expected 2 config observations, got %d", len(observer.configs))
	}
}

func TestRunTimeoutKeepsPartialProgress(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	fakeClock := clock.Fake(epoch)
	observer := newRecorder()

	done := startRun(t, context.Background(), reader, fakeClock, observer)
	go feed(writer, "Initiating tasks...", "[WORKER] Started. Running (Stratum)", "[MINER] 0 Started minerWorkerHw Task!")

	testutil.RequireReceive(t, observer.stepped, 5*time.Second, "Booting")
	testutil.RequireReceive(t, observer.stepped, 5*time.Second, "WorkerStarted")
	testutil.RequireReceive(t, observer.stepped, 5*time.Second, "HardwareTaskStarted")

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Minute)

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake timeout")
	if !errors.Is(outcome.err, ErrProtocolTimeout) {
		t.Fatalf("expected ErrProtocolTimeout, got %v", outcome.err)
	}
	if outcome.result.State != schema.StateHardwareTaskStarted || outcome.result.Authorized {
		t.Errorf("partial result = %+v", outcome.result)
	}
}

func TestRunReadFailureIsTransportError(t *testing.T) {
	reader, writer := io.Pipe()
	fakeClock := clock.Fake(epoch)

	done := startRun(t, context.Background(), reader, fakeClock, nil)
	feed(writer, "Initiating tasks...")
	writer.CloseWithError(errors.New("input/output error"))

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake read failure")
	var transportErr *serialport.TransportError
	if !errors.As(outcome.err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T: %v", outcome.err, outcome.err)
	}
	if transportErr.Path != "/dev/ttyACM0" {
		t.Errorf("path = %s", transportErr.Path)
	}
	if outcome.result.State != schema.StateBooting {
		t.Errorf("state = %s, want Booting", outcome.result.State)
	}
}

func TestRunEOFIsTransportError(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	done := startRun(t, context.Background(), strings.NewReader("Initiating tasks...\n"), fakeClock, nil)

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake eof")
	var transportErr *serialport.TransportError
	if !errors.As(outcome.err, &transportErr) || !transportErr.Disconnected() {
		t.Fatalf("expected disconnected TransportError, got %v", outcome.err)
	}
}

func TestRunContextCancellation(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	fakeClock := clock.Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	done := startRun(t, ctx, reader, fakeClock, nil)
	fakeClock.WaitForTimers(1)
	cancel()

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake cancel")
	if !errors.Is(outcome.err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", outcome.err)
	}
}

func TestRunObserverErrorStopsRun(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	fakeClock := clock.Fake(epoch)
	observer := newRecorder()
	observer.failAt = schema.StateWorkerStarted

	done := startRun(t, context.Background(), reader, fakeClock, observer)
	go feed(writer, bootLog...)

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "handshake observer failure")
	if !errors.Is(outcome.err, errFromObserver) {
		t.Fatalf("expected observer error, got %v", outcome.err)
	}
	if outcome.result.State != schema.StateWorkerStarted {
		t.Errorf("state = %s, want WorkerStarted", outcome.result.State)
	}
}
