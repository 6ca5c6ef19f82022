package server

import (
	"testing"
)

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"ADMIN", RoleAdmin},
		{"mdonly", RoleUnknown},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestListDecoder(t *testing.T) {
	ld, err := NewListDecoderString(`
# operators
alice  admin  1234
bob    read   abcd
carol  write
dave   Write  xyz
`)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	var table = []struct {
		token string
		user  string
		role  Role
	}{
		{"1234", "alice", RoleAdmin},
		{"abcd", "bob", RoleRead},
		{"xyz", "dave", RoleWrite},
		{"", "", RoleUnknown},
		{"write", "", RoleUnknown},
	}
	for _, row := range table {
		user, role, err := ld.TokenDecode(row.token)
		if user != row.user || role != row.role || err != nil {
			t.Errorf("%q: Received %q, %v, %v, expected %q, %v", row.token, user, role, err, row.user, row.role)
		}
	}
}
