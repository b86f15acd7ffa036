// Package session locates the session id carried on an HTTP request.
package session

import (
	"fmt"
	"net/http"
	"net/url"
)

// Location describes where the session id travels: header or query.
type Location struct {
	Name string
	Kind string
}

// NewHeaderLocation creates a header location.
func NewHeaderLocation(name string) *Location {
	return &Location{Name: name, Kind: "header"}
}

// NewQueryLocation creates a query-parameter location.
func NewQueryLocation(name string) *Location {
	return &Location{Name: name, Kind: "query"}
}

// Locator reads and writes session ids at a Location.
type Locator struct{}

// Locate retrieves the session id from the request.
func (l *Locator) Locate(location *Location, request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("request was nil")
	}
	switch location.Kind {
	case "header":
		return request.Header.Get(location.Name), nil
	case "query":
		return request.URL.Query().Get(location.Name), nil
	}
	return "", fmt.Errorf("unsupported session id location kind: %s for name: %s", location.Kind, location.Name)
}

// Set writes the session id into query values for URL construction.
func (l *Locator) Set(location *Location, values url.Values, id string) error {
	if values == nil {
		return fmt.Errorf("values were nil")
	}
	switch location.Kind {
	case "query":
		values.Set(location.Name, id)
	default:
		return fmt.Errorf("unsupported session id location kind: %s for name: %s", location.Kind, location.Name)
	}
	return nil
}
