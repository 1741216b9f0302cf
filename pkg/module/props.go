package module

import (
	"fmt"
	"io"
	"strings"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/klauspost/compress/zip"
	"github.com/magiconair/properties"
)

var propLoader = properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}

// ParseProps reads a module.prop document. Values are taken literally, ${} is not expanded.
func ParseProps(buf []byte) (map[string]string, error) {
	p, err := propLoader.LoadBytes(buf)
	if err != nil {
		return nil, err
	}
	return p.Map(), nil
}

// ReadZipProps reads module.prop straight from the archive without extracting it.
func ReadZipProps(zipPath string) (map[string]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "module.prop" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return ParseProps(buf)
	}
	return nil, fmt.Errorf("module.prop not found in %s", zipPath)
}

// IsMetamodule tells whether the props mark a module that drives mounting for the others.
func IsMetamodule(props map[string]string) bool {
	v := strings.TrimSpace(props[constants.MetamoduleProp])
	return v == "1" || strings.EqualFold(v, "true")
}
