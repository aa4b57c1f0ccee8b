package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// TorrentID identifies a transfer. It is chosen by the caller at admission
// and never regenerated.
type TorrentID uuid.UUID

func NewTorrentID() TorrentID {
	return TorrentID(uuid.New())
}

func ParseTorrentID(raw string) (TorrentID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return TorrentID{}, fmt.Errorf("%w: torrent id %q: %v", ErrInvalidRequest, raw, err)
	}
	return TorrentID(id), nil
}

func (id TorrentID) String() string {
	return uuid.UUID(id).String()
}

func (id TorrentID) IsZero() bool {
	return id == TorrentID{}
}

func (id TorrentID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *TorrentID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = TorrentID(u)
	return nil
}
