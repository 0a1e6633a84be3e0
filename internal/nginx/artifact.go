package nginx

import (
	"fmt"
	"os"
)

// Artifact is a rendered, activatable nginx configuration for one site plus
// the certificate files it references.
type Artifact struct {
	Name   string // file base name inside sites-available, without extension
	Config []byte
	Files  []File
}

// File is a file the artifact needs on disk before nginx can load it
type File struct {
	Path string
	Data []byte
	Mode os.FileMode
}

// ArtifactName returns the stable artifact name for a site. It is keyed by ID
// so renaming a site overwrites its previous artifact in place.
func ArtifactName(siteID uint) string {
	return fmt.Sprintf("site-%d", siteID)
}
