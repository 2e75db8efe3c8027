package entity

// Direction describes which way bytes travel through a proxied connection.
// A copier gets one at construction and keeps it.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}
