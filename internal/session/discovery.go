package session

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Info summarizes a stored conversation.
type Info struct {
	SpaceID       string    `json:"spaceId"`
	Key           string    `json:"key"`
	Messages      int       `json:"messages"`
	PlanStatus    string    `json:"planStatus,omitempty"`
	PlanGoal      string    `json:"planGoal,omitempty"`
	OpenApprovals int       `json:"openApprovals"`
	Assets        int       `json:"assets"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Corrupted     bool      `json:"corrupted,omitempty"`
}

// ListConversations returns a summary of every conversation in store,
// most recently updated first. Unreadable documents are reported with
// Corrupted set instead of failing the listing.
func ListConversations(ctx context.Context, store Store) ([]*Info, error) {
	keys, err := store.List(ctx, ConversationsPrefix)
	if err != nil {
		return nil, err
	}

	var infos []*Info
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		info := &Info{Key: key, SpaceID: strings.TrimSuffix(strings.TrimPrefix(key, ConversationsPrefix), ".json")}
		infos = append(infos, info)

		data, err := store.Load(ctx, key)
		if err != nil {
			info.Corrupted = true
			continue
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			info.Corrupted = true
			continue
		}
		if c.SpaceID != "" {
			info.SpaceID = c.SpaceID
		}
		info.Messages = len(c.Messages)
		info.OpenApprovals = len(c.Approvals)
		info.Assets = len(c.Artifacts.Assets)
		info.UpdatedAt = c.UpdatedAt
		if c.Plan != nil {
			info.PlanStatus = string(c.Plan.Status)
			info.PlanGoal = c.Plan.Goal
		}
	}

	slices.SortStableFunc(infos, func(a, b *Info) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return infos, nil
}
