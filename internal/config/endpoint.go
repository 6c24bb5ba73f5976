package config

import (
	"fmt"
	"strings"
)

// RefKind classifies an endpoint reference in a route.
type RefKind int

const (
	// RefIdentity names a device by its registry identity.
	RefIdentity RefKind = iota

	// RefDefault is the default capture or playback device.
	RefDefault

	// RefName fuzzily matches a device display name.
	RefName

	// RefFile is a file path.
	RefFile

	// RefStream is a network stream declared under stream.endpoints.
	RefStream
)

func (k RefKind) String() string {
	switch k {
	case RefIdentity:
		return "identity"
	case RefDefault:
		return "default"
	case RefName:
		return "name"
	case RefFile:
		return "file"
	case RefStream:
		return "stream"
	default:
		return "unknown"
	}
}

// EndpointRef is a parsed route endpoint.
type EndpointRef struct {
	Kind RefKind

	// Value is the part after the prefix: "capture" or "playback" for
	// [RefDefault], the query for [RefName], the path for [RefFile], the
	// stream name for [RefStream] and the whole identity otherwise.
	Value string
}

// ParseEndpoint parses a route endpoint. Accepted forms:
//
//	default:capture | default:playback
//	name:<display name query>
//	file:<path>
//	stream:<name>
//	<device identity>
func ParseEndpoint(s string) (EndpointRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EndpointRef{}, fmt.Errorf("empty endpoint")
	}
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return EndpointRef{Kind: RefIdentity, Value: s}, nil
	}
	switch prefix {
	case "default":
		if rest != "capture" && rest != "playback" {
			return EndpointRef{}, fmt.Errorf("endpoint %q: default must be capture or playback", s)
		}
		return EndpointRef{Kind: RefDefault, Value: rest}, nil
	case "name", "file", "stream":
		if rest == "" {
			return EndpointRef{}, fmt.Errorf("endpoint %q: missing %s", s, prefix)
		}
		kind := map[string]RefKind{"name": RefName, "file": RefFile, "stream": RefStream}[prefix]
		return EndpointRef{Kind: kind, Value: rest}, nil
	}
	// Device identities carry the backend tag before the colon.
	return EndpointRef{Kind: RefIdentity, Value: s}, nil
}

func (r EndpointRef) String() string {
	if r.Kind == RefIdentity {
		return r.Value
	}
	return r.Kind.String() + ":" + r.Value
}
