package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types"

	"remindbot/internal/phone"
)

// ParseAddress converts a canonical "<digits>@c.us" address into a user JID.
func ParseAddress(address string) (types.JID, error) {
	if !phone.Valid(address) {
		return types.JID{}, fmt.Errorf("invalid chat address %q", address)
	}
	return types.NewJID(phone.User(address), types.DefaultUserServer), nil
}

// Address is the inverse of ParseAddress for user JIDs.
func Address(jid types.JID) string {
	return jid.User + phone.Suffix
}
