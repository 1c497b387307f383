package execution

import "github.com/google/uuid"

func NewTicketID() string {
	return "tkt_" + uuid.NewString()
}
