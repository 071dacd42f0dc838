package bot

import (
	"context"
	"fmt"
	"strings"

	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

func roomKey(id string) string { return "room:" + id }

// GetGroup returns room info by id. Concurrent calls for the same id share
// one lookup: the first caller fills the cache and the store, the others read
// them.
func (s *Service) GetGroup(ctx context.Context, id string) (storage.Room, error) {
	if strings.TrimSpace(id) == "" {
		return storage.Room{}, fmt.Errorf("bot: empty room id")
	}
	var out storage.Room
	err := s.eng.WithResourceLock(ctx, roomKey(id), func(ctx context.Context) error {
		r, err := s.lookupRoom(ctx, id)
		out = r
		return err
	})
	return out, err
}

func (s *Service) lookupRoom(ctx context.Context, id string) (storage.Room, error) {
	owner := s.owner()
	if s.cache != nil {
		r, ok, err := s.cache.Get(ctx, owner, id)
		if err != nil {
			s.log.Debug("room cache get failed", logx.String("room", id), logx.Err(err))
		} else if ok {
			return r, nil
		}
	}
	if owner != "" {
		found, err := s.store.FindRooms(ctx, owner, id)
		if err != nil {
			return storage.Room{}, fmt.Errorf("find room %s: %w", id, err)
		}
		if len(found) > 0 {
			s.cachePut(ctx, found[0])
			return found[0], nil
		}
	}
	info, err := s.client.LoadRoom(ctx, id)
	if err != nil {
		return storage.Room{}, fmt.Errorf("load room %s: %w", id, err)
	}
	r := s.roomOf(owner, info)
	s.saveRoom(ctx, r)
	return r, nil
}

// Groups lists the stored rooms, loading them from the client when none are stored yet.
func (s *Service) Groups(ctx context.Context) ([]storage.Room, error) {
	owner := s.owner()
	if owner != "" {
		rooms, err := s.store.FindRooms(ctx, owner)
		if err != nil {
			s.log.Warn("find rooms failed", logx.Err(err))
		} else if len(rooms) > 0 {
			return rooms, nil
		}
	}
	return s.RefreshRooms(ctx)
}

// RefreshRooms reloads the full room directory from the client.
func (s *Service) RefreshRooms(ctx context.Context) ([]storage.Room, error) {
	if !s.client.Online() {
		return nil, transport.ErrOffline
	}
	infos, err := s.client.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	owner := s.owner()
	out := make([]storage.Room, 0, len(infos))
	for _, info := range infos {
		r := s.roomOf(owner, info)
		s.saveRoom(ctx, r)
		out = append(out, r)
	}
	s.log.Info("rooms refreshed", logx.Int("count", len(out)))
	return out, nil
}

func (s *Service) roomOf(owner string, info transport.RoomInfo) storage.Room {
	return storage.Room{
		Owner:       owner,
		ID:          info.ID,
		Topic:       info.Topic,
		Kind:        info.Kind,
		MemberCount: info.MemberCount,
		UpdatedAt:   s.now(),
	}
}

func (s *Service) saveRoom(ctx context.Context, r storage.Room) {
	if r.Owner != "" {
		if err := s.store.UpsertRoom(ctx, r); err != nil {
			s.log.Warn("store room failed", logx.String("room", r.ID), logx.Err(err))
		}
	}
	s.cachePut(ctx, r)
}

func (s *Service) cachePut(ctx context.Context, r storage.Room) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, r); err != nil {
		s.log.Debug("room cache put failed", logx.String("room", r.ID), logx.Err(err))
	}
}

// Messages pages through stored messages newest first.
func (s *Service) Messages(ctx context.Context, q storage.MessageQuery) ([]storage.Message, error) {
	owner := s.owner()
	if owner == "" {
		return []storage.Message{}, nil
	}
	return s.store.FindMessages(ctx, owner, q)
}
