package filesys

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SplitPath splits a path into the directory part and the final
// component. A trailing slash (or a path naming the root) yields an
// empty final component, which Open interprets as "open the directory
// itself". Leading slashes are accepted and ignored; all paths resolve
// from the root.
func SplitPath(name string) (string, string, error) {
	if name == "" {
		return "", "", status.Error(codes.InvalidArgument, "Empty path")
	}
	slash := strings.LastIndexByte(name, '/')
	if slash < 0 {
		return "", name, checkName(name)
	}
	base := name[slash+1:]
	if base != "" {
		if err := checkName(base); err != nil {
			return "", "", err
		}
	}
	return name[:slash], base, nil
}

func checkName(name string) error {
	if len(name) > NameMax {
		return status.Errorf(codes.InvalidArgument, "Name %#v is longer than %d bytes", name, NameMax)
	}
	return nil
}

// pathComponents breaks a directory path into its components, dropping
// empty ones so that repeated and leading slashes are harmless. "."
// and ".." are left in place; the directory layer resolves them
// through their ordinary entries.
func pathComponents(dirPath string) []string {
	var components []string
	for _, component := range strings.Split(dirPath, "/") {
		if component != "" {
			components = append(components, component)
		}
	}
	return components
}
