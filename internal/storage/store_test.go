package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, User{ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: []byte("hash")}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	err := store.CreateUser(ctx, User{ID: "u2", Username: "alice", Email: "other@example.com", PasswordHash: []byte("hash2")})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	err = store.CreateUser(ctx, User{ID: "u3", Username: "alice2", Email: "alice@example.com", PasswordHash: []byte("hash3")})
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.ID != "u1" || user.Role != RoleUser {
		t.Fatalf("unexpected user: %+v", user)
	}
	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil || byEmail == nil || byEmail.Username != "alice" {
		t.Fatalf("GetUserByEmail: %+v, err=%v", byEmail, err)
	}
	missing, err := store.GetUserByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil user for unknown id, got %+v, err=%v", missing, err)
	}
}

func TestListUsersExcludesCallerAndAdmins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "u1", "alice")
	mustCreateUser(t, store, "u2", "bob")
	mustCreateUser(t, store, "u3", "carol")
	if _, err := store.UpdateRole(ctx, "u3", RoleAdmin); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}

	users, err := store.ListUsers(ctx, RoleUser, "u1")
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("unexpected users: %+v", users)
	}
	all, err := store.ListAllUsers(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListAllUsers: %+v, err=%v", all, err)
	}
}

func TestAdminOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "u1", "alice")

	updated, err := store.UpdateRole(ctx, "u1", RoleAdmin)
	if err != nil || updated == nil || updated.Role != RoleAdmin {
		t.Fatalf("UpdateRole: %+v, err=%v", updated, err)
	}
	if _, err := store.UpdateRole(ctx, "u1", "root"); err == nil {
		t.Fatalf("expected check constraint failure for unknown role")
	}
	absent, err := store.UpdateRole(ctx, "ghost", RoleAdmin)
	if err != nil || absent != nil {
		t.Fatalf("expected nil for unknown user, got %+v, err=%v", absent, err)
	}

	withAvatar, err := store.SetAvatar(ctx, "u1", "data:image/png;base64,AAAA")
	if err != nil || withAvatar == nil || !withAvatar.IsAvatarImageSet {
		t.Fatalf("SetAvatar: %+v, err=%v", withAvatar, err)
	}

	deleted, err := store.DeleteUser(ctx, "u1")
	if err != nil || !deleted {
		t.Fatalf("DeleteUser: %v, err=%v", deleted, err)
	}
	deleted, err = store.DeleteUser(ctx, "u1")
	if err != nil || deleted {
		t.Fatalf("second DeleteUser should report nothing removed: %v, err=%v", deleted, err)
	}
}

func TestRevokedTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.RevokeToken(ctx, "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := store.RevokeToken(ctx, "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("RevokeToken idempotent: %v", err)
	}
	if err := store.RevokeToken(ctx, "jti-old", now.Add(-time.Hour)); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	revoked, err := store.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected jti-1 revoked, got %v, err=%v", revoked, err)
	}
	revoked, err = store.IsTokenRevoked(ctx, "jti-2")
	if err != nil || revoked {
		t.Fatalf("expected jti-2 usable, got %v, err=%v", revoked, err)
	}
	purged, err := store.PurgeRevokedTokens(ctx, now)
	if err != nil || purged != 1 {
		t.Fatalf("PurgeRevokedTokens: %d, err=%v", purged, err)
	}
}

func TestFriendRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "a", "alice")
	mustCreateUser(t, store, "b", "bob")

	if err := store.CreateFriendRequest(ctx, "a", "a"); !errors.Is(err, ErrSelfFriendRequest) {
		t.Fatalf("expected ErrSelfFriendRequest, got %v", err)
	}
	if err := store.CreateFriendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("CreateFriendRequest: %v", err)
	}
	if err := store.CreateFriendRequest(ctx, "a", "b"); !errors.Is(err, ErrFriendRequestExists) {
		t.Fatalf("expected duplicate friend request error, got %v", err)
	}
	if err := store.CreateFriendRequest(ctx, "b", "a"); !errors.Is(err, ErrFriendRequestExists) {
		t.Fatalf("expected reverse request to be rejected, got %v", err)
	}
	incoming, err := store.ListIncomingFriendRequests(ctx, "b")
	if err != nil {
		t.Fatalf("ListIncomingFriendRequests: %v", err)
	}
	if len(incoming) != 1 || incoming[0].Username != "alice" {
		t.Fatalf("unexpected incoming: %+v", incoming)
	}
	outgoing, err := store.ListOutgoingFriendRequests(ctx, "a")
	if err != nil || len(outgoing) != 1 || outgoing[0].Username != "bob" {
		t.Fatalf("unexpected outgoing: %+v, err=%v", outgoing, err)
	}
	if err := store.AcceptFriendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("AcceptFriendRequest: %v", err)
	}
	if err := store.AcceptFriendRequest(ctx, "a", "b"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for consumed request, got %v", err)
	}
	friends, err := store.ListFriends(ctx, "b")
	if err != nil || len(friends) != 1 || friends[0].Username != "alice" {
		t.Fatalf("expected alice as friend: %+v, err=%v", friends, err)
	}
	ok, err := store.AreFriends(ctx, "a", "b")
	if err != nil || !ok {
		t.Fatalf("AreFriends: %v, err=%v", ok, err)
	}
	if err := store.CreateFriendRequest(ctx, "b", "a"); !errors.Is(err, ErrFriendRequestExists) {
		t.Fatalf("expected already-friends error, got %v", err)
	}
}

func TestDeclineFriendRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "a", "alice")
	mustCreateUser(t, store, "b", "bob")
	if err := store.CreateFriendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("CreateFriendRequest: %v", err)
	}
	removed, err := store.DeleteFriendRequest(ctx, "a", "b")
	if err != nil || !removed {
		t.Fatalf("DeleteFriendRequest: %v, err=%v", removed, err)
	}
	removed, err = store.DeleteFriendRequest(ctx, "a", "b")
	if err != nil || removed {
		t.Fatalf("expected nothing to remove, got %v, err=%v", removed, err)
	}
}

func TestMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "a", "alice")
	mustCreateUser(t, store, "b", "bob")
	mustCreateUser(t, store, "c", "carol")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, m := range []Message{
		{ID: "m1", SenderID: "a", ReceiverID: "b", Text: "hi", CreatedAt: base},
		{ID: "m2", SenderID: "b", ReceiverID: "a", Text: "hey", CreatedAt: base.Add(time.Second)},
		{ID: "m3", SenderID: "a", ReceiverID: "c", Text: "other thread", CreatedAt: base.Add(2 * time.Second)},
	} {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
	}

	thread, err := store.FindMessagesBetween(ctx, "b", "a")
	if err != nil {
		t.Fatalf("FindMessagesBetween: %v", err)
	}
	if len(thread) != 2 || thread[0].ID != "m1" || thread[1].ID != "m2" {
		t.Fatalf("unexpected thread: %+v", thread)
	}

	if err := store.UpdateMessageText(ctx, "m1", "hello", base.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateMessageText: %v", err)
	}
	msg, err := store.FindMessageByID(ctx, "m1")
	if err != nil || msg == nil {
		t.Fatalf("FindMessageByID: %+v, err=%v", msg, err)
	}
	if msg.Text != "hello" || msg.EditedAt == nil {
		t.Fatalf("expected edited message, got %+v", msg)
	}
	if !msg.CreatedAt.Equal(base) {
		t.Fatalf("created_at round trip: got %v want %v", msg.CreatedAt, base)
	}

	if err := store.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := store.DeleteMessage(ctx, "m1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows deleting twice, got %v", err)
	}
	gone, err := store.FindMessageByID(ctx, "m1")
	if err != nil || gone != nil {
		t.Fatalf("expected nil after delete, got %+v, err=%v", gone, err)
	}
}

func TestDeleteUserCascadesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "a", "alice")
	mustCreateUser(t, store, "b", "bob")
	if err := store.InsertMessage(ctx, Message{ID: "m1", SenderID: "a", ReceiverID: "b", Text: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := store.DeleteUser(ctx, "a"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	msg, err := store.FindMessageByID(ctx, "m1")
	if err != nil || msg != nil {
		t.Fatalf("expected cascade delete, got %+v, err=%v", msg, err)
	}

	exists, err := store.UserExists(ctx, "a")
	if err != nil || exists {
		t.Fatalf("UserExists after delete: %v, err=%v", exists, err)
	}
	exists, err = store.UserExists(ctx, "b")
	if err != nil || !exists {
		t.Fatalf("UserExists for bob: %v, err=%v", exists, err)
	}
	err = store.InsertMessage(ctx, Message{ID: "m2", SenderID: "a", ReceiverID: "b", Text: "ghost", CreatedAt: time.Now()})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser for deleted sender, got %v", err)
	}
}

func TestUpdatePassword(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "a", "alice")
	if err := store.UpdatePassword(ctx, "a", []byte("hash2")); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	user, _ := store.GetUserByUsername(ctx, "alice")
	if string(user.PasswordHash) != "hash2" {
		t.Fatalf("expected updated hash, got %s", string(user.PasswordHash))
	}
}

func TestBuildDSN(t *testing.T) {
	cases := map[string]string{
		"chat.db":                        "file:chat.db?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
		"sqlite://file:x?mode=memory":    "file:x?mode=memory&_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
		"file:/tmp/chat.db?cache=shared": "file:/tmp/chat.db?cache=shared&_pragma=busy_timeout=5000&_pragma=foreign_keys=ON",
	}
	for in, want := range cases {
		if got := buildDSN(in); got != want {
			t.Fatalf("buildDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustCreateUser(t *testing.T, store *Store, id, username string) {
	t.Helper()
	err := store.CreateUser(context.Background(), User{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: []byte("hash"),
	})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", username, err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
