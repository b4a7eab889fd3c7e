// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mmbridge/pkg/bridge"
)

func TestSendText(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	c := newTestClient(f, Handlers{})

	res, err := c.SendText(context.Background(), "ch1", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !res.OK || res.MessageID != "created-post-id" {
		t.Errorf("result: %+v", res)
	}

	var posted *model.Post
	for _, call := range f.Calls() {
		if call.Method == "POST" && call.Path == "/api/v4/posts" {
			_ = json.Unmarshal([]byte(call.Body), &posted)
		}
	}
	if posted == nil {
		t.Fatal("no post was created")
	}
	if posted.ChannelId != "ch1" || posted.Message != "hello" {
		t.Errorf("posted: %+v", posted)
	}
}

func TestSendTextError(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.FailEndpoints["/posts"] = true
	c := newTestClient(f, Handlers{})

	if _, err := c.SendText(context.Background(), "ch1", "hello"); err == nil {
		t.Error("expected error from failing endpoint")
	}
}

func TestSendFile(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	c := newTestClient(f, Handlers{})

	res, err := c.SendFile(context.Background(), "ch1", "pic.png", []byte("data"), "look")
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if !res.OK || res.MessageID == "" {
		t.Errorf("result: %+v", res)
	}
	if !f.CalledPath("/files") {
		t.Error("file should be uploaded before posting")
	}

	var posted *model.Post
	for _, call := range f.Calls() {
		if call.Method == "POST" && call.Path == "/api/v4/posts" {
			_ = json.Unmarshal([]byte(call.Body), &posted)
		}
	}
	if posted == nil {
		t.Fatal("no post was created")
	}
	if len(posted.FileIds) != 1 || posted.FileIds[0] != "uploaded-file-id" {
		t.Errorf("post file ids: %v", posted.FileIds)
	}
	if posted.Message != "look" {
		t.Errorf("caption: %q", posted.Message)
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.FileContents["f1"] = []byte("payload")
	c := newTestClient(f, Handlers{})

	data, err := c.DownloadFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Errorf("data: %q", data)
	}
	if _, err := c.DownloadFile(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetConversationInfoDirect(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Channels["ch1"] = &model.Channel{
		Id:   "ch1",
		Type: model.ChannelTypeDirect,
		Name: "me__peer1",
	}
	f.Users["peer1"] = &model.User{Id: "peer1", Username: "alice", Nickname: "Alice"}
	c := newTestClient(f, Handlers{})

	info, err := c.GetConversationInfo(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("GetConversationInfo: %v", err)
	}
	if info.Kind != bridge.ConversationDirect {
		t.Errorf("kind: %v", info.Kind)
	}
	if info.DisplayName != "Alice" {
		t.Errorf("direct channel should be named after the peer, got %q", info.DisplayName)
	}
}

func TestGetConversationInfoGroup(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Channels["ch2"] = &model.Channel{
		Id:          "ch2",
		Type:        model.ChannelTypeGroup,
		DisplayName: "alice, bob, me",
	}
	c := newTestClient(f, Handlers{})

	info, err := c.GetConversationInfo(context.Background(), "ch2")
	if err != nil {
		t.Fatalf("GetConversationInfo: %v", err)
	}
	if info.Kind != bridge.ConversationGroup {
		t.Errorf("kind: %v", info.Kind)
	}
	if info.DisplayName != "alice, bob, me" {
		t.Errorf("display name: %q", info.DisplayName)
	}
}

func TestListConversationsFiltersTeamChannels(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.ChannelsForUser["me"] = []*model.Channel{
		{Id: "dm1", Type: model.ChannelTypeDirect, Name: "me__peer1"},
		{Id: "gm1", Type: model.ChannelTypeGroup, DisplayName: "the gang"},
		{Id: "town", Type: model.ChannelTypeOpen, DisplayName: "Town Square"},
	}
	f.Users["peer1"] = &model.User{Id: "peer1", Username: "alice"}
	c := newTestClient(f, Handlers{})

	infos, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(infos))
	}
	for _, info := range infos {
		if info.ID == "town" {
			t.Error("team channels must not be listed as conversations")
		}
	}
}

func TestReact(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	c := newTestClient(f, Handlers{})

	if err := c.React(context.Background(), "ch1", "post1", "thumbsup"); err != nil {
		t.Fatalf("React: %v", err)
	}
	var reaction *model.Reaction
	for _, call := range f.Calls() {
		if call.Method == "POST" && call.Path == "/api/v4/reactions" {
			_ = json.Unmarshal([]byte(call.Body), &reaction)
		}
	}
	if reaction == nil {
		t.Fatal("no reaction was saved")
	}
	if reaction.PostId != "post1" || reaction.EmojiName != "thumbsup" || reaction.UserId != "me" {
		t.Errorf("reaction: %+v", reaction)
	}
}

func TestBlockContact(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	c := newTestClient(f, Handlers{})

	if err := c.BlockContact(context.Background(), "ch1"); err != nil {
		t.Fatalf("BlockContact: %v", err)
	}
	if !f.CalledPath("/notify_props") {
		t.Error("block should update channel notify props")
	}
	if err := c.UnblockContact(context.Background(), "ch1"); err != nil {
		t.Fatalf("UnblockContact: %v", err)
	}
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://mm.example.com": "wss://mm.example.com",
		"http://localhost:8065":  "ws://localhost:8065",
		"mm.example.com":         "mm.example.com",
	}
	for in, want := range cases {
		if got := httpToWS(in); got != want {
			t.Errorf("httpToWS(%q): got %q, want %q", in, got, want)
		}
	}
}
