package server

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// A TokenDecoder turns the API key presented with a request into a user
// name and role. An unknown token gives the user "" and RoleUnknown. An
// error is returned only if the lookup itself failed.
type TokenDecoder interface {
	TokenDecode(token string) (user string, role Role, err error)
}

// Role orders what a caller may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead         // read products and store state
	RoleWrite        // order and ingest products
	RoleAdmin        // delete products, act for other principals
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	}
	return RoleUnknown
}

// NewNobodyDecoder returns a TokenDecoder giving every token the user
// "nobody" with the admin role. It is used when no token file is configured.
func NewNobodyDecoder() TokenDecoder {
	return nobodyDecoder{}
}

type nobodyDecoder struct{}

func (nobodyDecoder) TokenDecode(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// NewListDecoder reads a token file from r. Each line has the form
//
//	<user name>  <role>  <token>
//
// separated by whitespace. The role is "read", "write", or "admin". Blank
// lines, lines beginning with '#', and lines with the wrong number of
// fields are skipped.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	ld := listDecoder{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || fields[0][0] == '#' {
			continue
		}
		ld[fields[2]] = userEntry{user: fields[0], role: atoRole(fields[1])}
	}
	return ld, scanner.Err()
}

// NewListDecoderFile reads the token file fname.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

// NewListDecoderString is NewListDecoder over a string.
func NewListDecoderString(data string) (TokenDecoder, error) {
	return NewListDecoder(strings.NewReader(data))
}

type userEntry struct {
	user string
	role Role
}

// listDecoder is keyed by token.
type listDecoder map[string]userEntry

func (ld listDecoder) TokenDecode(token string) (string, Role, error) {
	if e, ok := ld[token]; ok {
		return e.user, e.role, nil
	}
	return "", RoleUnknown, nil
}
