package api

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/storage"
)

const maxPostLength = 280

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]{3,30})`)

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) HandleToggleFollow(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	targetID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid user id")
		return
	}
	if targetID == me.UserID {
		s.writeError(w, http.StatusBadRequest, "self_follow", "You cannot follow yourself")
		return
	}
	if _, err := s.store.UserByID(r.Context(), targetID); err != nil {
		s.notFoundOr500(w, err, "User not found")
		return
	}

	following, err := s.store.ToggleFollow(r.Context(), me.UserID, targetID)
	if err != nil {
		s.logger.Errorf("toggling follow %d -> %d: %v", me.UserID, targetID, err)
		s.writeError(w, http.StatusInternalServerError, "follow_failed", "Could not update follow")
		return
	}

	if following {
		s.notify(r.Context(), core.Notification{
			Type:          core.NotificationFollow,
			UserID:        targetID,
			RelatedUserID: me.UserID,
			Content:       fmt.Sprintf("<strong>@%s</strong> started following you", me.Username),
		})
	}

	ids, err := s.store.FollowerIDs(r.Context(), targetID)
	if err != nil {
		s.logger.Warnf("counting followers of %d: %v", targetID, err)
	}
	s.writeJSON(w, http.StatusOK, FollowResponse{IsFollowing: following, FollowersCount: len(ids)})
}

func (s *Server) HandleFollowers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid user id")
		return
	}
	followers, err := s.store.Followers(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not load followers")
		return
	}
	s.writeJSON(w, http.StatusOK, FollowersResponse{Followers: followers, Count: len(followers)})
}

func (s *Server) HandleCreatePost(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	var req CreatePostRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > maxPostLength {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "Post content must be 1-280 characters")
		return
	}

	post, err := s.store.CreatePost(r.Context(), me.UserID, req.Content, req.ImageURL)
	if err != nil {
		s.logger.Errorf("creating post for %d: %v", me.UserID, err)
		s.writeError(w, http.StatusInternalServerError, "post_failed", "Could not create post")
		return
	}

	// Persist one row per follower, then push each follower its own row.
	n := core.Notification{
		Type:          core.NotificationPost,
		RelatedUserID: me.UserID,
		RelatedPostID: core.PostRef(post.ID),
		Content:       fmt.Sprintf("<strong>@%s</strong> posted: %s", me.Username, html.EscapeString(excerpt(post.Content))),
		FromUser:      &core.UserRef{ID: me.UserID, Username: me.Username},
	}
	followers, err := s.store.FollowerIDs(r.Context(), me.UserID)
	if err != nil {
		s.logger.Warnf("listing followers of %d: %v", me.UserID, err)
	}
	stored := make(map[int64]core.Notification, len(followers))
	for _, f := range followers {
		nf := n
		nf.UserID = f
		row, err := s.store.CreateNotification(r.Context(), nf)
		if err != nil {
			s.logger.Warnf("storing post notification for %d: %v", f, err)
			continue
		}
		stored[f] = row
	}
	persisted := func(context.Context, int64) ([]int64, error) { return followers, nil }
	s.notifier.SendToFollowersFunc(r.Context(), me.UserID, persisted, func(id int64) (core.Notification, bool) {
		row, ok := stored[id]
		return row, ok
	})

	s.notifyMentions(r.Context(), me, post.ID, post.Content)
	s.writeJSON(w, http.StatusCreated, post)
}

func (s *Server) HandleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid post id")
		return
	}
	post, err := s.store.PostByID(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err, "Post not found")
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

func (s *Server) HandleToggleLike(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	post, ok := s.loadPost(w, r)
	if !ok {
		return
	}

	liked, err := s.store.ToggleLike(r.Context(), me.UserID, post.ID)
	if err != nil {
		s.logger.Errorf("toggling like on %d: %v", post.ID, err)
		s.writeError(w, http.StatusInternalServerError, "like_failed", "Could not update like")
		return
	}

	if liked && post.UserID != me.UserID {
		s.notify(r.Context(), core.Notification{
			Type:          core.NotificationLike,
			UserID:        post.UserID,
			RelatedUserID: me.UserID,
			RelatedPostID: core.PostRef(post.ID),
			Content:       fmt.Sprintf("<strong>@%s</strong> liked your post", me.Username),
		})
	}

	likes := post.Likes
	if liked {
		likes++
	} else if likes > 0 {
		likes--
	}
	s.writeJSON(w, http.StatusOK, LikeResponse{Liked: liked, Likes: likes})
}

func (s *Server) HandleComments(w http.ResponseWriter, r *http.Request) {
	post, ok := s.loadPost(w, r)
	if !ok {
		return
	}
	comments, err := s.store.Comments(r.Context(), post.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not load comments")
		return
	}
	s.writeJSON(w, http.StatusOK, CommentsResponse{Comments: comments, Count: len(comments)})
}

func (s *Server) HandleCreateComment(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	post, ok := s.loadPost(w, r)
	if !ok {
		return
	}
	var req CreateCommentRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > maxPostLength {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "Comment must be 1-280 characters")
		return
	}

	comment, err := s.store.AddComment(r.Context(), post.ID, me.UserID, req.Content)
	if err != nil {
		s.logger.Errorf("commenting on %d: %v", post.ID, err)
		s.writeError(w, http.StatusInternalServerError, "comment_failed", "Could not add comment")
		return
	}

	if post.UserID != me.UserID {
		s.notify(r.Context(), core.Notification{
			Type:          core.NotificationComment,
			UserID:        post.UserID,
			RelatedUserID: me.UserID,
			RelatedPostID: core.PostRef(post.ID),
			Content:       fmt.Sprintf("<strong>@%s</strong> commented: %s", me.Username, html.EscapeString(excerpt(comment.Content))),
		})
	}
	s.notifyMentions(r.Context(), me, post.ID, comment.Content)
	s.writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) HandleToggleBookmark(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	post, ok := s.loadPost(w, r)
	if !ok {
		return
	}
	marked, err := s.store.ToggleBookmark(r.Context(), me.UserID, post.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "bookmark_failed", "Could not update bookmark")
		return
	}
	s.writeJSON(w, http.StatusOK, BookmarkResponse{Bookmarked: marked})
}

func (s *Server) loadPost(w http.ResponseWriter, r *http.Request) (*storage.Post, bool) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid post id")
		return nil, false
	}
	post, err := s.store.PostByID(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err, "Post not found")
		return nil, false
	}
	return post, true
}

// notify persists n and, only once that succeeded, pushes it to the
// recipient's live sessions.
func (s *Server) notify(ctx context.Context, n core.Notification) {
	stored, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		s.logger.Errorf("storing %s notification for %d: %v", n.Type, n.UserID, err)
		return
	}
	s.notifier.SendToUser(stored.UserID, stored)
}

// notifyMentions sends a mention notification to every distinct @user in
// text other than the author.
func (s *Server) notifyMentions(ctx context.Context, me auth.Identity, postID int64, text string) {
	seen := map[int64]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		u, err := s.store.UserByUsername(ctx, m[1])
		if err != nil || u.ID == me.UserID || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		s.notify(ctx, core.Notification{
			Type:          core.NotificationMention,
			UserID:        u.ID,
			RelatedUserID: me.UserID,
			RelatedPostID: core.PostRef(postID),
			Content:       fmt.Sprintf("<strong>@%s</strong> mentioned you", me.Username),
		})
	}
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", msg)
		return
	}
	s.logger.Errorf("lookup: %v", err)
	s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Lookup failed")
}

func excerpt(text string) string {
	const max = 60
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + "…"
}
