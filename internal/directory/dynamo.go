// Package directory projects room state into a DynamoDB table so lobbies
// are discoverable outside this process. The projection is best-effort:
// every failure is logged and swallowed, the in-memory room is the source
// of truth.
package directory

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/playfold/lobbyd/internal/lobby"
)

// API is the slice of the DynamoDB client the syncer needs.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Syncer struct {
	client API
	table  string
}

func NewSyncer(client API, table string) *Syncer {
	return &Syncer{client: client, table: table}
}

// Sync upserts the room's directory row. Rooms already closing are not
// projected; their row is removed by the terminal cleanup instead.
func (s *Syncer) Sync(ctx context.Context, room *lobby.Room) {
	if room.Status == lobby.StatusClosing {
		return
	}
	item := map[string]types.AttributeValue{
		"RoomId":       &types.AttributeValueMemberS{Value: room.ID},
		"RoomName":     &types.AttributeValueMemberS{Value: room.Name},
		"CurrentCount": &types.AttributeValueMemberN{Value: strconv.Itoa(len(room.Players))},
		"MaxPlayers":   &types.AttributeValueMemberN{Value: strconv.Itoa(room.MaxPlayers)},
		"HostId":       &types.AttributeValueMemberS{Value: room.OwnerID},
		"Private":      &types.AttributeValueMemberN{Value: privacyKey(room.Private)},
		"Status":       &types.AttributeValueMemberN{Value: strconv.Itoa(int(room.Status))},
	}
	if room.Private {
		item["JoinKey"] = &types.AttributeValueMemberS{Value: room.JoinKey}
	}
	// DynamoDB rejects empty string sets, so the attribute is omitted for
	// an empty roster
	if len(room.Players) > 0 {
		item["Players"] = &types.AttributeValueMemberSS{Value: room.MemberIDs()}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		slog.Warn("directory upsert failed", "room", room.ID, "error", err)
	}
}

// Delete removes the room's row. The privacy flag is part of the composite
// key because public and private rows are shaped differently.
func (s *Syncer) Delete(ctx context.Context, room *lobby.Room) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"RoomId":  &types.AttributeValueMemberS{Value: room.ID},
			"Private": &types.AttributeValueMemberN{Value: privacyKey(room.Private)},
		},
	})
	if err != nil {
		slog.Warn("directory delete failed", "room", room.ID, "error", err)
	}
}

func privacyKey(private bool) string {
	if private {
		return "1"
	}
	return "0"
}
