// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the Mattermost API. It records
// calls and serves canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	Users           map[string]*model.User
	Channels        map[string]*model.Channel
	ChannelsForUser map[string][]*model.Channel
	FileContents    map[string][]byte
	FileInfos       map[string][]*model.FileInfo
	FailEndpoints   map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:           make(map[string]*model.User),
		Channels:        make(map[string]*model.Channel),
		ChannelsForUser: make(map[string][]*model.Channel),
		FileContents:    make(map[string][]byte),
		FileInfos:       make(map[string][]*model.FileInfo),
		FailEndpoints:   make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		if u, ok := f.Users["me"]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)

	// GET /api/v4/users/{user_id}/channels
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/channels"):
		parts := strings.Split(path, "/")
		if len(parts) >= 6 {
			if chs, ok := f.ChannelsForUser[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasSuffix(path, "/teams"):
		_ = json.NewEncoder(w).Encode([]*model.Team{{Id: "team1"}})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/posts/{post_id}/files/info
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/") && strings.HasSuffix(path, "/files/info"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if infos, ok := f.FileInfos[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(infos)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.FileInfo{})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// PUT /api/v4/channels/{channel_id}/members/{user_id}/notify_props
	case r.Method == "PUT" && strings.HasSuffix(path, "/notify_props"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	// POST /api/v4/files
	case r.Method == "POST" && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id"}},
		})

	// GET /api/v4/files/{file_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/"):
		fileID := path[len("/api/v4/files/"):]
		if data, ok := f.FileContents[fileID]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/reactions
	case r.Method == "POST" && path == "/api/v4/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		_ = json.NewEncoder(w).Encode(&reaction)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unhandled: " + path})
	}
}

// newTestClient wires a Client against a fakeMM server.
func newTestClient(f *fakeMM, handlers Handlers) *Client {
	return NewClient(bridge.MattermostConfig{
		ServerURL: f.Server.URL,
		Token:     "test-token",
		UserID:    "me",
		TeamID:    "team1",
	}, handlers, zerolog.Nop())
}

func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}
