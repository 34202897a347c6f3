package action

import "fmt"

type (
	TileIndex uint32
	CompanyID uint8
	ClientID  uint32
)

const (
	// CompanySpectator is the acting identity of a participant without a company.
	CompanySpectator CompanyID = 255
	MaxCompanies               = 15

	InvalidClient ClientID = 0
	ServerClient  ClientID = 1

	// MaxTextLen bounds Envelope.Text in bytes.
	MaxTextLen = 128
)

func (c CompanyID) Valid() bool { return c < MaxCompanies }

// Envelope is one proposed world mutation. It is never modified once it has
// been submitted; transport layers copy it.
type Envelope struct {
	Kind    Kind      `json:"kind"`
	Tile    TileIndex `json:"tile"`
	P1      uint32    `json:"p1"`
	P2      uint32    `json:"p2"`
	Text    string    `json:"text,omitempty"`
	Company CompanyID `json:"company"`

	// Flags are extra run flags requested by a local caller. They are never
	// accepted from the network.
	Flags DoFlag `json:"-"`
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s tile=%d p1=%d p2=%d company=%d", e.Kind, e.Tile, e.P1, e.P2, e.Company)
}

// Acting identifies who is running an action. It replaces any notion of a
// process-wide current company: every processor entry point receives one.
type Acting struct {
	Company   CompanyID
	Client    ClientID
	Networked bool
}

func (a Acting) IsServer() bool { return a.Client == ServerClient }

// Local is the acting context of a single-player or server-side caller.
func Local(c CompanyID) Acting {
	return Acting{Company: c, Client: ServerClient}
}
