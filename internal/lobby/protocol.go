package lobby

import "encoding/json"

// Command discriminators on inbound session messages. The values are part
// of the wire contract with the client and must not be reordered.
type Command int

const (
	CmdChat Command = iota
	CmdApplySettings
	CmdStart
	CmdDisband
	CmdReady
	CmdFinish
)

// Response discriminators on outbound session messages.
type Response int

const (
	RespSettingsUpdate Response = iota
	RespPlayersUpdate
	RespChat
	RespError
	RespCloseSession
	RespGameServerDetails
)

// Envelope is the inbound message shape. Settings fields are pointers so
// applySettings can distinguish "absent" from zero values.
type Envelope struct {
	Command    Command `json:"command"`
	Message    string  `json:"message,omitempty"`
	Name       *string `json:"name,omitempty"`
	MaxPlayers *int    `json:"maxPlayers,omitempty"`
	IsPrivate  *bool   `json:"isPrivate,omitempty"`
}

type settingsPayload struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"maxPlayers"`
	IsPrivate  bool   `json:"isPrivate"`
	JoinKey    string `json:"joinKey,omitempty"`
	Gamemode   string `json:"gamemode"`
	Status     Status `json:"status"`
}

type settingsResponse struct {
	Response Response        `json:"response"`
	Settings settingsPayload `json:"settings"`
}

type playerEntry struct {
	UUID        string `json:"uuid"`
	ReadyStatus Ready  `json:"readyStatus"`
}

type playersResponse struct {
	Response Response      `json:"response"`
	Players  []playerEntry `json:"players"`
}

type chatResponse struct {
	Response Response `json:"response"`
	UUID     string   `json:"uuid"`
	Message  string   `json:"message"`
}

type errorResponse struct {
	Response Response `json:"response"`
	Message  string   `json:"message"`
}

type closeResponse struct {
	Response Response `json:"response"`
}

type gameServerResponse struct {
	Response Response `json:"response"`
	Address  string   `json:"address"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// all response types marshal by construction
		panic(err)
	}
	return b
}

// settingsInformation renders the current settings snapshot for broadcast.
func settingsInformation(r *Room) []byte {
	return mustJSON(settingsResponse{
		Response: RespSettingsUpdate,
		Settings: settingsPayload{
			Name:       r.Name,
			MaxPlayers: r.MaxPlayers,
			IsPrivate:  r.Private,
			JoinKey:    r.JoinKey,
			Gamemode:   r.Gamemode,
			Status:     r.Status,
		},
	})
}

// playerInformation renders the current roster snapshot for broadcast.
func playerInformation(r *Room) []byte {
	players := make([]playerEntry, 0, len(r.Players))
	for uuid, ready := range r.Players {
		players = append(players, playerEntry{UUID: uuid, ReadyStatus: ready})
	}
	return mustJSON(playersResponse{Response: RespPlayersUpdate, Players: players})
}

func chatMessage(uuid, msg string) []byte {
	return mustJSON(chatResponse{Response: RespChat, UUID: uuid, Message: msg})
}

func errorMessage(msg string) []byte {
	return mustJSON(errorResponse{Response: RespError, Message: msg})
}

func closeSessionMessage() []byte {
	return mustJSON(closeResponse{Response: RespCloseSession})
}

func gameServerDetails(addr string) []byte {
	return mustJSON(gameServerResponse{Response: RespGameServerDetails, Address: addr})
}
