package qr

import "fmt"

var (
	errBadSender = fmt.Errorf("sender id must not contain '|'")
	errBadFrame  = fmt.Errorf("malformed frame code")
)
