package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/store"
)

// seedFile provisions channels for local runs, standing in for the channel
// management service.
type seedFile struct {
	Channels []seedChannel `yaml:"channels"`
}

type seedChannel struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	IsPrivate bool     `yaml:"private"`
	Topic     string   `yaml:"topic"`
	Members   []string `yaml:"members"`
}

type channelWriter interface {
	CreateChannel(ctx context.Context, ch chat.Channel) error
	AddMember(ctx context.Context, m chat.Member) error
}

type membershipPublisher interface {
	PublishMembershipChange(ctx context.Context, c chat.MembershipChange) error
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for _, ch := range f.Channels {
		if err := chat.ValidateID("channel id", ch.ID); err != nil {
			return nil, err
		}
		for _, m := range ch.Members {
			if err := chat.ValidateID("member id", m); err != nil {
				return nil, err
			}
		}
	}
	return &f, nil
}

// seed creates missing channels and adds their members, then announces each
// channel's membership so running instances drop stale cache entries.
func seed(ctx context.Context, path string, w channelWriter, pub membershipPublisher) error {
	f, err := loadSeed(path)
	if err != nil {
		return err
	}

	for _, ch := range f.Channels {
		err := w.CreateChannel(ctx, chat.Channel{
			ID:        ch.ID,
			Type:      ch.Type,
			Name:      ch.Name,
			IsPrivate: ch.IsPrivate,
			Settings:  chat.ChannelSettings{Topic: ch.Topic},
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("seed channel %s: %w", ch.ID, err)
		}
		for _, userID := range ch.Members {
			if err := w.AddMember(ctx, chat.Member{ChannelID: ch.ID, UserID: userID}); err != nil {
				return fmt.Errorf("seed member %s of %s: %w", userID, ch.ID, err)
			}
		}
		if err := pub.PublishMembershipChange(ctx, chat.MembershipChange{ChannelID: ch.ID, UserIDs: ch.Members}); err != nil {
			slog.Warn("membership change not published", "channel", ch.ID, "error", err)
		}
		slog.Info("seeded channel", "channel", ch.ID, "members", len(ch.Members))
	}
	return nil
}
