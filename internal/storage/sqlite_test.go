package storage

import (
	"path/filepath"
	"testing"

	"github.com/promisekid/CloudArt/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStorage(t)

	id, err := s.CreateSession("landscape ideas")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	session, err := s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Title != "landscape ideas" {
		t.Fatalf("title = %q", session.Title)
	}

	if err := s.RenameSession(id, "mountains"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	session, err = s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Title != "mountains" {
		t.Fatalf("renamed title = %q", session.Title)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != id {
		t.Fatalf("sessions = %#v", sessions)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	sid, err := s.CreateSession("chat")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddMessage(&models.Message{
		SessionID: sid, Role: models.RoleUser, Content: "a fox in snow",
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := s.AddMessage(&models.Message{
		SessionID: sid, Role: models.RoleAI, ImagePath: "/data/images/fox.png",
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	messages, err := s.GetMessages(sid)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[0].Content != "a fox in snow" {
		t.Fatalf("first message = %#v", messages[0])
	}
	if !messages[1].IsImage() || messages[1].ImagePath != "/data/images/fox.png" {
		t.Fatalf("second message = %#v", messages[1])
	}
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	s := newTestStorage(t)

	sid, _ := s.CreateSession("doomed")
	s.AddMessage(&models.Message{SessionID: sid, Role: models.RoleUser, Content: "hi"})

	if err := s.DeleteSession(sid); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	messages, err := s.GetMessages(sid)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages survived session delete: %#v", messages)
	}
}

func TestListGeneratedImages(t *testing.T) {
	s := newTestStorage(t)

	sid, _ := s.CreateSession("gallery")
	s.AddMessage(&models.Message{SessionID: sid, Role: models.RoleUser, Content: "prompt"})
	s.AddMessage(&models.Message{SessionID: sid, Role: models.RoleAI, ImagePath: "/img/a.png"})
	s.AddMessage(&models.Message{SessionID: sid, Role: models.RoleAI, Content: "a caption"})
	s.AddMessage(&models.Message{SessionID: sid, Role: models.RoleAI, ImagePath: "/img/b.png"})

	paths, err := s.ListGeneratedImages()
	if err != nil {
		t.Fatalf("ListGeneratedImages: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2 entries", paths)
	}
	// Newest first.
	if paths[0] != "/img/b.png" || paths[1] != "/img/a.png" {
		t.Fatalf("paths = %v", paths)
	}
}
