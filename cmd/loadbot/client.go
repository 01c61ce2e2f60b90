package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/types"
	api "github.com/saksicipatron/patron-server/pkg/types"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) openLobbies(ctx context.Context) ([]engine.Lobby, error) {
	var resp api.LobbiesResponse
	err := c.do(ctx, http.MethodGet, "/lobbies", nil, &resp)
	return resp.Lobbies, err
}

func (c *client) createLobby(ctx context.Context, hostID, hostName string) (string, error) {
	var resp api.CreateLobbyResponse
	err := c.do(ctx, http.MethodPost, "/lobbies", api.CreateLobbyRequest{HostID: hostID, HostName: hostName}, &resp)
	return resp.ID, err
}

func (c *client) joinLobby(ctx context.Context, lobbyID, playerID, name string) error {
	return c.do(ctx, http.MethodPost, "/lobbies/"+lobbyID+"/join", api.JoinLobbyRequest{PlayerID: playerID, PlayerName: name}, nil)
}

func (c *client) setReady(ctx context.Context, lobbyID, playerID string) error {
	return c.do(ctx, http.MethodPost, "/lobbies/"+lobbyID+"/ready", api.ReadyRequest{PlayerID: playerID, Ready: true}, nil)
}

func (c *client) leave(ctx context.Context, lobbyID, playerID string) error {
	return c.do(ctx, http.MethodPost, "/lobbies/"+lobbyID+"/leave", api.PlayerRequest{PlayerID: playerID}, nil)
}

// dial opens a websocket on path, e.g. /ws/games/{id}.
func (c *client) dial(ctx context.Context, path, playerID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if playerID != "" {
		u.RawQuery = url.Values{"playerId": {playerID}}.Encode()
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", errNotThere, path)
	}
	return conn, err
}

var errNotThere = errors.New("nothing at that address yet")

// dialUntilFound retries while the server answers 404. A lobby switches to
// starting before its game record is written, so the game socket can briefly
// be missing.
func (c *client) dialUntilFound(ctx context.Context, path, playerID string, attempts int, wait time.Duration) (*websocket.Conn, error) {
	for i := 1; ; i++ {
		conn, err := c.dial(ctx, path, playerID)
		if !errors.Is(err, errNotThere) || i >= attempts {
			return conn, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg types.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func receive(ctx context.Context, conn *websocket.Conn) (types.ServerMessage, error) {
	var msg types.ServerMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}
