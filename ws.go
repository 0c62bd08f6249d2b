package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	wsTypeAck                   = "ack"
	wsTypeHeartbeat             = "heartbeat"
	wsTypeHeartbeatAck          = "heartbeat_ack"
	wsTypeImportToken           = "import-token"
	wsTypeClearToken            = "clear-token"
	wsTypeRefreshToken          = "refresh-token"
	wsTypeStatus                = "status"
	wsTypeLimits                = "limits"
	wsTypeCredentialEvent       = "credential_event"
	wsTypeRateLimitEvent        = "rate_limit_event"
	wsWriteTimeout              = 10 * time.Second
	wsReadLimitBytes      int64 = 1 << 20
)

type wsClientMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	SentAt  string          `json:"sent_at,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsServerMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
	At    string `json:"at,omitempty"`
}

type wsConnClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type clearTokenRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) handleOpsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
		},
	})
	if err != nil {
		return
	}

	client := &wsConnClient{conn: conn}
	s.addWSClient(client)
	defer s.removeWSClient(client)

	closeCode := websocket.StatusNormalClosure
	closeReason := ""
	defer func() {
		_ = conn.Close(closeCode, closeReason)
	}()

	conn.SetReadLimit(wsReadLimitBytes)

	ctx := r.Context()
	for {
		var request wsClientMessage
		if err := wsjson.Read(ctx, conn, &request); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || status == websocket.StatusNoStatusRcvd {
				return
			}
			logWarn("ws.read_failed", "error", err)
			closeCode = websocket.StatusInternalError
			closeReason = "read failed"
			return
		}

		response := s.handleWSRequest(ctx, request)
		if err := s.writeWSMessage(ctx, client, response); err != nil {
			logWarn("ws.write_failed", "error", err)
			closeCode = websocket.StatusInternalError
			closeReason = "write failed"
			return
		}
	}
}

func (s *Service) addWSClient(client *wsConnClient) {
	if client == nil {
		return
	}

	s.wsClientsMu.Lock()
	s.wsClientsSet[client] = struct{}{}
	s.wsClientsMu.Unlock()
}

func (s *Service) removeWSClient(client *wsConnClient) {
	if client == nil {
		return
	}

	s.wsClientsMu.Lock()
	delete(s.wsClientsSet, client)
	s.wsClientsMu.Unlock()
}

func (s *Service) snapshotWSClients() []*wsConnClient {
	s.wsClientsMu.Lock()
	defer s.wsClientsMu.Unlock()

	clients := make([]*wsConnClient, 0, len(s.wsClientsSet))
	for client := range s.wsClientsSet {
		clients = append(clients, client)
	}
	return clients
}

func (s *Service) writeWSMessage(parentCtx context.Context, client *wsConnClient, message wsServerMessage) error {
	if client == nil || client.conn == nil {
		return errors.New("invalid websocket client")
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(parentCtx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, client.conn, message)
}

// broadcastEvent fans an event out to every ws client and the SSE feed.
func (s *Service) broadcastEvent(eventType string, data map[string]any) {
	at := time.Now().UTC()
	event := wsServerMessage{
		Type: eventType,
		ID:   uuid.NewString(),
		Data: data,
		At:   at.Format(time.RFC3339Nano),
	}

	for _, client := range s.snapshotWSClients() {
		if err := s.writeWSMessage(context.Background(), client, event); err != nil {
			logWarn("ws.broadcast_failed", "type", eventType, "error", err)
		}
	}
	s.events.publish(event)
}

func (s *Service) onCredentialRefresh(source string, cred Credential, err error) {
	data := map[string]any{
		"source": source,
		"ok":     err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["expires_at"] = cred.ExpiresAt.Format(time.RFC3339Nano)
	}
	s.broadcastEvent(wsTypeCredentialEvent, data)
}

func (s *Service) onRateLimited(limited *RateLimitError) {
	s.broadcastEvent(wsTypeRateLimitEvent, map[string]any{
		"operation":    limited.Operation,
		"action":       limited.Action,
		"scope":        limited.Scope,
		"local":        limited.Local,
		"wait_seconds": limited.WaitSeconds(),
	})
}

func (s *Service) handleWSRequest(ctx context.Context, request wsClientMessage) wsServerMessage {
	requestType := strings.TrimSpace(request.Type)
	requestID := strings.TrimSpace(request.ID)

	if requestType == wsTypeHeartbeat {
		return wsServerMessage{
			Type: wsTypeHeartbeatAck,
			ID:   requestID,
			At:   time.Now().UTC().Format(time.RFC3339Nano),
		}
	}

	response := wsServerMessage{
		Type: wsTypeAck,
		ID:   requestID,
	}
	if requestType == "" {
		response.OK = false
		response.Error = "missing type"
		return response
	}

	result, err := s.dispatchWSRequest(ctx, requestType, request.Payload)
	if err != nil {
		response.OK = false
		response.Error = wsErrorMessage(err)
		logWarn("ws.request_failed", "type", requestType, "id", requestID, "error", err)
		return response
	}

	response.OK = true
	response.Data = result
	return response
}

func (s *Service) dispatchWSRequest(ctx context.Context, requestType string, payload json.RawMessage) (map[string]any, error) {
	switch requestType {
	case wsTypeImportToken:
		return decodeWSAndDispatch(payload, true, s.processImportToken)
	case wsTypeClearToken:
		return decodeWSAndDispatch(payload, false, s.processClearToken)
	case wsTypeRefreshToken:
		cred, err := s.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"expires_at": cred.ExpiresAt}, nil
	case wsTypeStatus:
		return s.statusSnapshot()
	case wsTypeLimits:
		if s.limits == nil {
			return nil, serviceUnavailable("ledger usage not available for shared admission", nil)
		}
		return map[string]any{"results": s.limits.Usage()}, nil
	default:
		return nil, badRequest(fmt.Sprintf("unknown message type %q", requestType), nil)
	}
}

func (s *Service) processImportToken(in CredentialImport) (map[string]any, error) {
	cred, err := s.tokens.Import(in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expires_at": cred.ExpiresAt}, nil
}

func (s *Service) processClearToken(req clearTokenRequest) (map[string]any, error) {
	if err := s.tokens.Clear(); err != nil {
		return nil, internalServerError("failed to clear credential", err)
	}
	logInfo("token.cleared", "reason", req.Reason)
	return map[string]any{"cleared": true}, nil
}

func decodeWSAndDispatch[T any](
	payload json.RawMessage,
	required bool,
	processor func(T) (map[string]any, error),
) (map[string]any, error) {
	var parsed T
	if err := decodeWSPayload(payload, &parsed, required); err != nil {
		return nil, err
	}
	return processor(parsed)
}

func decodeWSPayload(raw json.RawMessage, dst any, required bool) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if required {
			return badRequest("missing payload", nil)
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return badRequest("invalid payload", err)
	}
	return nil
}

func wsErrorMessage(err error) string {
	return apiErrorFrom(err).message
}
