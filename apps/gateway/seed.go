package main

import (
	"fmt"
	"strings"

	"github.com/mahaj/garage-relay/pkg/memstore"
)

// seedMembers parses entries of the form "conv=alice+bob".
func seedMembers(store *memstore.Store, entries []string) error {
	for _, e := range entries {
		conv, users, ok := strings.Cut(e, "=")
		if !ok || conv == "" || users == "" {
			return fmt.Errorf("bad seed %q, want conversation=user1+user2", e)
		}
		store.AddMembers(conv, strings.Split(users, "+")...)
	}
	return nil
}
