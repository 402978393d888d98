// clmchat is a console client for the CLM WebSocket. It sends each typed
// line as a voice-front-end user_message and prints the relay's reply.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"

	"github.com/ashureev/clm-relay/internal/domain"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	port := os.Getenv("CLM_PORT")
	if port == "" {
		port = "8000"
	}
	url := flag.String("url", "ws://localhost:"+port+"/ws/clm", "CLM WebSocket URL")
	emotionsFlag := flag.String("emotions", "", `prosody scores sent with every line, e.g. "Joy=0.8,Calmness=0.3"`)
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for each reply")
	flag.Parse()

	scores, err := parseScores(*emotionsFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *url, scores, *timeout, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println("\nDisconnected.")
}

func run(ctx context.Context, url string, scores map[string]float64, timeout time.Duration, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	fmt.Fprintf(out, "Connected to %s. Type a message, Ctrl+C to quit.\n", url)
	if line := describeScores(scores); line != "" {
		fmt.Fprintln(out, "  Emotions:", line)
	}

	lines := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !lines.Scan() {
			return lines.Err()
		}
		text := strings.TrimSpace(lines.Text())
		if text == "" {
			continue
		}

		frame, err := buildFrame(text, scores)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		reply, err := readReply(ctx, conn, timeout)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Assistant:", reply)
	}
}

func readReply(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			return "", fmt.Errorf("receive: %w", err)
		}
		var msg struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Ignoring non-JSON frame", "bytes", len(data))
			continue
		}
		if msg.Type == "assistant_input" {
			return msg.Text, nil
		}
	}
}

// buildFrame shapes a line the way the voice front end sends user messages.
func buildFrame(text string, scores map[string]float64) ([]byte, error) {
	frame := map[string]any{
		"type": "user_message",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	if len(scores) > 0 {
		frame["models"] = map[string]any{
			"prosody": map[string]any{"scores": scores},
		}
	}
	return json.Marshal(map[string]any{"messages": []any{frame}})
}

func parseScores(list string) (map[string]float64, error) {
	scores := map[string]float64{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("emotion %q must look like name=score", part)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("emotion %q: %w", part, err)
		}
		scores[strings.TrimSpace(name)] = score
	}
	return scores, nil
}

func describeScores(scores map[string]float64) string {
	signals := make([]domain.EmotionSignal, 0, len(scores))
	for name, score := range scores {
		signals = append(signals, domain.EmotionSignal{Name: name, Score: score})
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].Name < signals[j].Name })
	return domain.FormatEmotions(domain.TopEmotions(signals, domain.LogEmotionCount))
}
