package telephony

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"voicebridge/internal/config"
)

// ESL drives the switch over its event-socket command channel. One TCP
// connection per command keeps the dialer stateless; the switch treats each
// as an independent API session.
type ESL struct {
	addr        string
	password    string
	gateway     string
	techPrefix  string
	mediaWSBase string
	dialTimeout time.Duration
	cmdTimeout  time.Duration
	log         *slog.Logger
}

func NewESL(cfg config.SwitchConfig, log *slog.Logger) *ESL {
	if log == nil {
		log = slog.Default()
	}
	return &ESL{
		addr:        cfg.ESLAddr,
		password:    cfg.ESLPassword,
		gateway:     cfg.Gateway,
		techPrefix:  cfg.TechPrefix,
		mediaWSBase: strings.TrimRight(cfg.MediaWSBaseURL, "/"),
		dialTimeout: 5 * time.Second,
		cmdTimeout:  10 * time.Second,
		log:         log,
	}
}

var _ Dialer = (*ESL)(nil)

// Originate places the call parked, with the switch instructed to fork media
// to our WebSocket once the callee answers.
func (e *ESL) Originate(ctx context.Context, req OriginateRequest) error {
	if req.CallID == "" || req.Number == "" {
		return fmt.Errorf("telephony: call id and number are required")
	}
	wsURL := fmt.Sprintf("%s/%s", e.mediaWSBase, req.CallID)
	metadata := fmt.Sprintf(`{\"uuid\":\"%s\"}`, req.CallID)

	cmd := fmt.Sprintf(
		"bgapi originate {origination_uuid=%s,ignore_early_media=true,"+
			"api_on_answer='uuid_audio_fork %s start %s mono 8000 %s'}"+
			"sofia/gateway/%s/%s%s &park",
		req.CallID, req.CallID, wsURL, metadata,
		e.gateway, e.techPrefix, req.Number,
	)

	e.log.Info("originating call", "call_id", req.CallID, "number", req.Number)
	resp, err := e.send(ctx, cmd)
	if err != nil {
		return fmt.Errorf("telephony: originate: %w", err)
	}
	if !commandAccepted(resp) {
		return fmt.Errorf("telephony: originate rejected: %s", firstLine(resp))
	}
	return nil
}

func (e *ESL) Hangup(ctx context.Context, switchUUID string) error {
	if switchUUID == "" {
		return fmt.Errorf("telephony: switch uuid required")
	}
	resp, err := e.send(ctx, "api uuid_kill "+switchUUID)
	if err != nil {
		return fmt.Errorf("telephony: hangup: %w", err)
	}
	if !commandAccepted(resp) {
		return fmt.Errorf("telephony: hangup rejected: %s", firstLine(resp))
	}
	return nil
}

// send runs one authenticated command round-trip.
func (e *ESL) send(ctx context.Context, command string) (string, error) {
	d := net.Dialer{Timeout: e.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", e.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(e.cmdTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	r := bufio.NewReader(conn)

	// Banner, then auth.
	if _, err := readBlock(r); err != nil {
		return "", fmt.Errorf("banner: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "auth %s\n\n", e.password); err != nil {
		return "", err
	}
	authResp, err := readBlock(r)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if !strings.Contains(authResp, "+OK") {
		return "", fmt.Errorf("auth rejected")
	}

	if _, err := fmt.Fprintf(conn, "%s\n\n", command); err != nil {
		return "", err
	}
	header, err := readBlock(r)
	if err != nil {
		return "", fmt.Errorf("response: %w", err)
	}

	body := ""
	if n := contentLength(header); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("body: %w", err)
		}
		body = string(buf)
	}
	return header + body, nil
}

// readBlock reads header lines up to the blank-line terminator.
func readBlock(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\n" || line == "\r\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}

func contentLength(header string) int {
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, "Content-Length:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

func commandAccepted(resp string) bool {
	return strings.Contains(resp, "+OK") && !strings.Contains(resp, "-ERR")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
