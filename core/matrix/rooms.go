package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"AirbandBridge/logger"
)

// RoomSpec 创建房间所需的信息
type RoomSpec struct {
	AliasLocalpart string // 例如 146.145MHz
	Name           string
	Topic          string
}

// Room 解析或创建得到的房间
type Room struct {
	ID      string
	Alias   string
	Created bool
}

// Alias 返回完整别名 #localpart:domain
func (c *Client) Alias(localpart string) string {
	return fmt.Sprintf("#%s:%s", localpart, c.cfg.Domain)
}

// ResolveAlias 查询别名对应的房间 ID，不存在时返回 404 的 RemoteError
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var roomID id.RoomID
	err := c.call(ctx, "resolve alias", func(ctx context.Context, api *mautrix.Client) error {
		resp, err := api.ResolveAlias(ctx, id.RoomAlias(alias))
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	if err != nil {
		return "", err
	}
	return roomID.String(), nil
}

// CreateOrFindRoom 先解析别名；不存在则创建公开房间。
// 创建时遇到 M_ROOM_IN_USE（并发创建竞争失败）则再解析一次。
func (c *Client) CreateOrFindRoom(ctx context.Context, spec RoomSpec) (*Room, error) {
	alias := c.Alias(spec.AliasLocalpart)

	roomID, err := c.ResolveAlias(ctx, alias)
	if err == nil {
		return &Room{ID: roomID, Alias: alias}, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	var created id.RoomID
	err = c.call(ctx, "create room", func(ctx context.Context, api *mautrix.Client) error {
		resp, err := api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility:    "public",
			Preset:        "public_chat",
			RoomAliasName: spec.AliasLocalpart,
			Name:          spec.Name,
			Topic:         spec.Topic,
		})
		if err != nil {
			return err
		}
		created = resp.RoomID
		return nil
	})
	if IsRoomInUse(err) {
		logger.Info("房间别名已被占用，重新解析", logger.String("alias", alias))
		roomID, err := c.ResolveAlias(ctx, alias)
		if err != nil {
			return nil, err
		}
		return &Room{ID: roomID, Alias: alias}, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info("创建房间",
		logger.String("alias", alias),
		logger.String("roomId", created.String()),
		logger.String("name", spec.Name))
	return &Room{ID: created.String(), Alias: alias, Created: true}, nil
}
