package download

import "strings"

// Endpoints supplies the remote locations of bundle files.
type Endpoints interface {
	// MainURL returns the primary location of fileName.
	MainURL(fileName string) string

	// FallbackURL returns the alternate location of fileName. An empty
	// result means the primary location is used for every attempt.
	FallbackURL(fileName string) string
}

// StaticEndpoints joins fixed base URLs with file names.
type StaticEndpoints struct {
	Main     string
	Fallback string
}

// MainURL implements Endpoints.
func (e StaticEndpoints) MainURL(fileName string) string {
	return joinURL(e.Main, fileName)
}

// FallbackURL implements Endpoints.
func (e StaticEndpoints) FallbackURL(fileName string) string {
	return joinURL(e.Fallback, fileName)
}

func joinURL(base, fileName string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(fileName, "/")
}
