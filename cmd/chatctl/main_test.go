package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/store/message"
)

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer

	code, err := run(context.Background(), nil, &out)

	require.NoError(t, err)
	require.Equal(t, exitUsage, code)
	require.Contains(t, out.String(), "usage: chatctl")
}

func TestRun_Unknown_Command(t *testing.T) {
	var out bytes.Buffer

	code, err := run(context.Background(), []string{"frobnicate"}, &out)

	require.Error(t, err)
	require.Equal(t, exitUsage, code)
}

func TestRun_AddUser_Then_Users(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("BADGER_PATH", t.TempDir())
	t.Setenv("LOG_LEVEL", "ERROR")

	// Given a user added from the command line
	var out bytes.Buffer
	code, err := run(ctx, []string{"adduser", "-id", "alice", "-email", "Alice@Example.com", "-name", "Alice", "-password", "pw"}, &out)
	req.NoError(err)
	req.Equal(exitOK, code)
	req.Contains(out.String(), "id=alice")

	// When listing users
	out.Reset()
	code, err = run(ctx, []string{"users"}, &out)

	// Then the table shows the normalised email
	req.NoError(err)
	req.Equal(exitOK, code)
	req.Contains(out.String(), "alice@example.com")
	req.Contains(out.String(), "Alice")
}

func TestRun_AddUser_Requires_Flags(t *testing.T) {
	var out bytes.Buffer

	code, err := run(context.Background(), []string{"adduser", "-email", "a@example.com"}, &out)

	require.Error(t, err)
	require.Equal(t, exitUsage, code)
}

func TestRun_Token(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_ISSUER", "courier")
	t.Setenv("AUTH_TOKEN_DURATION", "1h")

	var out bytes.Buffer
	code, err := run(context.Background(), []string{"token", "-user", "alice"}, &out)
	req.NoError(err)
	req.Equal(exitOK, code)

	claims, err := auth.NewAuthenticator("s3cret", "courier", time.Hour).ValidateToken(strings.TrimSpace(out.String()))
	req.NoError(err)
	req.Equal("alice", claims.UserID)
}

func TestRun_Token_With_Credentials(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("BADGER_PATH", t.TempDir())
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_ISSUER", "courier")
	t.Setenv("AUTH_TOKEN_DURATION", "1h")

	// Given a stored account
	var out bytes.Buffer
	_, err := run(ctx, []string{"adduser", "-id", "alice", "-email", "alice@example.com", "-name", "Alice", "-password", "pw"}, &out)
	req.NoError(err)

	// When logging in with its credentials
	out.Reset()
	code, err := run(ctx, []string{"token", "-email", "Alice@Example.com", "-password", "pw"}, &out)

	// Then the token carries the account's id and name
	req.NoError(err)
	req.Equal(exitOK, code)
	claims, err := auth.NewAuthenticator("s3cret", "courier", time.Hour).ValidateToken(strings.TrimSpace(out.String()))
	req.NoError(err)
	req.Equal("alice", claims.UserID)
	req.Equal("Alice", claims.DisplayName)

	// And a wrong password or unknown email is refused
	out.Reset()
	code, err = run(ctx, []string{"token", "-email", "alice@example.com", "-password", "nope"}, &out)
	req.ErrorIs(err, errInvalidCredentials)
	req.Equal(exitRuntime, code)

	code, err = run(ctx, []string{"token", "-email", "bob@example.com", "-password", "pw"}, &out)
	req.ErrorIs(err, errInvalidCredentials)
	req.Equal(exitRuntime, code)
}

func TestRun_Token_Email_Requires_Password(t *testing.T) {
	var out bytes.Buffer

	code, err := run(context.Background(), []string{"token", "-email", "a@example.com"}, &out)

	require.Error(t, err)
	require.Equal(t, exitUsage, code)
}

func TestFormatMessage(t *testing.T) {
	content := "hello"
	url := "https://cdn.example.com/a.png"
	m := message.Message{
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    &content,
		ImageURL:   &url,
		CreatedAt:  time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC),
	}

	got := formatMessage(m, false)

	require.Equal(t, "[09:30:00] alice -> bob hello [image] https://cdn.example.com/a.png", got)
}
