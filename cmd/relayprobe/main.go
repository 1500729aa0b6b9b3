package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

type options struct {
	baseURL     string
	wavPath     string
	voice       string
	prompt      string
	turns       int
	chunk       time.Duration
	realtime    float64
	interTurn   time.Duration
	turnTimeout time.Duration
	saveDir     string
	verbose     bool
}

// inbound is the subset of relay messages the probe inspects.
type inbound struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Detail    string          `json:"detail"`
	Audio     string          `json:"audio"`
	Event     json.RawMessage `json:"event"`
}

type turnResult struct {
	firstAudio time.Duration
	total      time.Duration
	audio      []byte
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV utterance to replay (default: synthetic tone)")
	flag.StringVar(&cfg.voice, "voice", "", "voice override for the probe session")
	flag.StringVar(&cfg.prompt, "prompt", "Reply in three words.", "initial prompt for the probe session")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.DurationVar(&cfg.chunk, "chunk", 40*time.Millisecond, "audio chunk duration")
	flag.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.DurationVar(&cfg.interTurn, "inter-turn", 250*time.Millisecond, "delay between turns")
	flag.DurationVar(&cfg.turnTimeout, "turn-timeout", 20*time.Second, "timeout waiting for response.done per turn")
	flag.StringVar(&cfg.saveDir, "save-dir", "", "directory to write each turn's response audio as WAV")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	switch {
	case cfg.baseURL == "":
		return options{}, fmt.Errorf("base-url is required")
	case cfg.turns <= 0:
		return options{}, fmt.Errorf("turns must be > 0")
	case cfg.chunk < 10*time.Millisecond || cfg.chunk > 2*time.Second:
		return options{}, fmt.Errorf("chunk must be in [10ms,2s]")
	case cfg.realtime <= 0:
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	return cfg, nil
}

func loadUtterance(path string) ([]byte, error) {
	if path == "" {
		return audio.Tone(audio.RealtimeSampleRate, 1200*time.Millisecond, 220), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if sampleRate != audio.RealtimeSampleRate {
		return nil, fmt.Errorf("%s is %dHz; the relay expects %dHz PCM16", path, sampleRate, audio.RealtimeSampleRate)
	}
	return pcm, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pcm, err := loadUtterance(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}
	chunks := audio.Chunk(pcm, audio.RealtimeSampleRate, cfg.chunk)

	wsURL, err := wsURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgs := make(chan inbound, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, msgs, readErr)

	if err := conn.WriteJSON(protocol.StartSession{
		Type:          protocol.TypeStartSession,
		InitialPrompt: cfg.prompt,
		Voice:         cfg.voice,
		TurnDetection: "manual",
	}); err != nil {
		return fmt.Errorf("start-session: %w", err)
	}
	started, err := await(msgs, readErr, 10*time.Second, string(protocol.TypeSessionStarted))
	if err != nil {
		return fmt.Errorf("await session-started: %w", err)
	}
	if !started.Success {
		return fmt.Errorf("start-session failed: %s (%s)", started.Error, started.Code)
	}
	sessionID := started.SessionID
	defer func() {
		_ = conn.WriteJSON(protocol.SessionCommand{Type: protocol.TypeEndSession, SessionID: sessionID})
	}()

	if err := conn.WriteJSON(protocol.ConnectSession{Type: protocol.TypeConnectSession, SessionID: sessionID}); err != nil {
		return fmt.Errorf("connect-session: %w", err)
	}
	connected, err := await(msgs, readErr, 35*time.Second, string(protocol.TypeSessionConnected))
	if err != nil {
		return fmt.Errorf("await session-connected: %w", err)
	}
	if !connected.Success {
		return fmt.Errorf("connect-session failed: %s (%s)", connected.Error, connected.Code)
	}
	if cfg.verbose {
		fmt.Printf("relayprobe: session=%s turns=%d chunks=%d chunk=%s realtime=%.2f\n", sessionID, cfg.turns, len(chunks), cfg.chunk, cfg.realtime)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		res, err := runTurn(conn, sessionID, chunks, cfg, msgs, readErr)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("relayprobe: turn %d/%d first_audio=%s total=%s audio_bytes=%d\n", i+1, cfg.turns, res.firstAudio, res.total, len(res.audio))
		}
		if cfg.saveDir != "" && len(res.audio) > 0 {
			path := filepath.Join(cfg.saveDir, fmt.Sprintf("turn-%02d.wav", i+1))
			if err := audio.WriteWAVPCM16LEFile(path, res.audio, audio.RealtimeSampleRate); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
		}
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}

	printSummary(results)
	return nil
}

func runTurn(conn *websocket.Conn, sessionID string, chunks [][]byte, cfg options, msgs <-chan inbound, readErr <-chan error) (turnResult, error) {
	for i, c := range chunks {
		msg := protocol.AudioData{
			Type:      protocol.TypeAudioData,
			SessionID: sessionID,
			AudioData: base64.StdEncoding.EncodeToString(c),
			IsFinal:   i == len(chunks)-1,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return turnResult{}, fmt.Errorf("send audio: %w", err)
		}
		pace := time.Duration(float64(time.Duration(len(c))*time.Second/time.Duration(audio.RealtimeSampleRate*2)) / cfg.realtime)
		time.Sleep(pace)
	}

	committed := time.Now()
	var res turnResult
	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case err := <-readErr:
			return res, err
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for response.done", cfg.turnTimeout)
		case m := <-msgs:
			switch m.Type {
			case string(protocol.TypeAudioStream):
				if res.firstAudio == 0 {
					res.firstAudio = time.Since(committed)
				}
				if b, err := base64.StdEncoding.DecodeString(m.Audio); err == nil {
					res.audio = append(res.audio, b...)
				}
			case string(protocol.TypeSessionDisconnected):
				return res, fmt.Errorf("upstream disconnected")
			case string(protocol.TypeRealtimeEvent):
				var head struct {
					Type   string `json:"type"`
					Source string `json:"source"`
					Error  *struct {
						Code    string `json:"code"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if err := json.Unmarshal(m.Event, &head); err != nil {
					continue
				}
				switch head.Type {
				case "response.done":
					res.total = time.Since(committed)
					return res, nil
				case "error":
					if head.Source == protocol.GatewayErrorSource && head.Error != nil {
						return res, fmt.Errorf("audio rejected: %s (%s)", head.Error.Message, head.Error.Code)
					}
					if cfg.verbose && head.Error != nil {
						fmt.Fprintf(os.Stderr, "relayprobe: upstream error: %s\n", head.Error.Message)
					}
				}
			}
		}
	}
}

func await(msgs <-chan inbound, readErr <-chan error, timeout time.Duration, typ string) (inbound, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-msgs:
			if m.Type == typ {
				return m, nil
			}
		case err := <-readErr:
			return inbound{}, err
		case <-timer.C:
			return inbound{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func readLoop(conn *websocket.Conn, out chan<- inbound, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var m inbound
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Type == string(protocol.TypeErrorEvent) {
			fmt.Fprintf(os.Stderr, "relayprobe: error_event code=%s detail=%s\n", m.Code, m.Detail)
		}
		out <- m
	}
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/ws"
	return u.String(), nil
}

func printSummary(results []turnResult) {
	first := make([]time.Duration, 0, len(results))
	total := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.firstAudio > 0 {
			first = append(first, r.firstAudio)
		}
		total = append(total, r.total)
	}
	fmt.Printf("relayprobe: commit_to_first_audio p50=%s p95=%s (n=%d)\n", percentile(first, 0.50), percentile(first, 0.95), len(first))
	fmt.Printf("relayprobe: response_total        p50=%s p95=%s (n=%d)\n", percentile(total, 0.50), percentile(total, 0.95), len(total))
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx].Round(time.Millisecond)
}
