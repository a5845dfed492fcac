package email

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestTransport(cfg SMTPConfig) (*SMTPTransport, *[]capturedMail) {
	tr := NewSMTPTransport(cfg)
	tr.now = func() time.Time { return time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC) }

	var sent []capturedMail
	tr.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return nil
	}
	return tr, &sent
}

func TestSMTPTransport_Send(t *testing.T) {
	tr, sent := newTestTransport(SMTPConfig{Host: "localhost", Port: 1025})

	err := tr.Send(context.Background(), Message{
		To:      "Ana <ana@example.com>",
		Subject: "ledger.csv processed successfully",
		Text:    "Lines processed: 42",
		HTML:    "<p>Lines processed: 42</p>",
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "localhost:1025", got.addr)
	assert.Nil(t, got.auth, "no auth without credentials")
	assert.Equal(t, DefaultFromEmail, got.from)
	assert.Equal(t, []string{"ana@example.com"}, got.to)

	parsed, err := mail.ReadMessage(strings.NewReader(got.msg))
	require.NoError(t, err)
	assert.Equal(t, "ledger.csv processed successfully", parsed.Header.Get("Subject"))
	assert.Equal(t, `"csvmeter" <noreply@csvmeter.local>`, parsed.Header.Get("From"))
	assert.Equal(t, "Wed, 01 Apr 2026 09:30:00 +0000", parsed.Header.Get("Date"))
	assert.True(t, strings.HasSuffix(parsed.Header.Get("Message-ID"), "@csvmeter.local>"))

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	// multipart.Reader undoes quoted-printable transparently.
	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		bodies = append(bodies, p.Header.Get("Content-Type")+"|"+string(b))
	}
	assert.Equal(t, []string{
		"text/plain; charset=utf-8|Lines processed: 42",
		"text/html; charset=utf-8|<p>Lines processed: 42</p>",
	}, bodies)
}

func TestSMTPTransport_Auth(t *testing.T) {
	tr, sent := newTestTransport(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "meter@example.com", FromName: "Meter"})

	require.NoError(t, tr.Send(context.Background(), Message{To: "a@example.com", Subject: "s"}))
	got := (*sent)[0]
	assert.NotNil(t, got.auth)
	assert.Equal(t, "smtp.example.com:587", got.addr)
	assert.Equal(t, "meter@example.com", got.from)
	assert.Contains(t, got.msg, "From: \"Meter\" <meter@example.com>\r\n")
}

func TestSMTPTransport_HeaderInjection(t *testing.T) {
	tr, sent := newTestTransport(SMTPConfig{Host: "localhost", Port: 1025})

	require.NoError(t, tr.Send(context.Background(), Message{To: "a@example.com", Subject: "bad\r\nBcc: x@example.com"}))
	assert.NotContains(t, (*sent)[0].msg, "\r\nBcc:")

	err := tr.Send(context.Background(), Message{To: "a@example.com\r\nBcc: x@example.com", Subject: "s"})
	assert.Error(t, err)
	assert.Len(t, *sent, 1)
}

func TestSMTPTransport_EncodesUnicodeSubject(t *testing.T) {
	tr, sent := newTestTransport(SMTPConfig{Host: "localhost", Port: 1025})

	require.NoError(t, tr.Send(context.Background(), Message{To: "a@example.com", Subject: "Übersicht.csv processed successfully"}))
	assert.Contains(t, (*sent)[0].msg, "Subject: =?utf-8?q?")

	parsed, err := mail.ReadMessage(strings.NewReader((*sent)[0].msg))
	require.NoError(t, err)
	decoded, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Übersicht.csv processed successfully", decoded)
}

// fakeRelay accepts one SMTP session and returns the DATA payload.
func fakeRelay(t *testing.T) (addr string, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 relay.test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(strings.ToUpper(line), " ")
			switch verb {
			case "EHLO":
				_ = tp.PrintfLine("250-relay.test")
				_ = tp.PrintfLine("250 8BITMIME")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				out <- string(data)
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 not implemented")
			}
		}
	}()
	return ln.Addr().String(), out
}

func TestSendSMTP(t *testing.T) {
	addr, received := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sendSMTP(ctx, addr, nil, "noreply@csvmeter.local", []string{"a@example.com"}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Contains(t, data, "Subject: hi")
		assert.Contains(t, data, "body")
	case <-ctx.Done():
		t.Fatal("relay never received the message")
	}
}

func TestSendSMTP_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = sendSMTP(context.Background(), addr, nil, "a@example.com", []string{"b@example.com"}, nil)
	assert.ErrorContains(t, err, "dial")
}
