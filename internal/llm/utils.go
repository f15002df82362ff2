package llm

import (
	"encoding/base64"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// DataURL encodes image bytes for an image_url content part. An empty
// mimeType is derived from name.
func DataURL(mimeType, name string, data []byte) string {
	mt := strings.TrimSpace(mimeType)
	if mt == "" {
		mt = constants.MimeFromName(name)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
}
