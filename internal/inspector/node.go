package inspector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/narvanalabs/deployctl/internal/models"
)

// PackageJSON represents the fields of package.json the inspector reads.
type PackageJSON struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Main         string            `json:"main"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
	Engines      struct {
		Node string `json:"node"`
	} `json:"engines"`
	PackageManager string `json:"packageManager"`
}

// nodeVersionRegex matches Node.js version strings.
var nodeVersionRegex = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// inspectNode fills Node-specific details. A malformed package.json is a
// warning: the tree is still a Node project.
func inspectNode(root string, result *models.InspectionResult) {
	pkg, err := parsePackageJSON(filepath.Join(root, MarkerPackageJSON))
	if err != nil {
		result.Warnings = append(result.Warnings, ErrInvalidPackageJSON.Error()+": "+err.Error())
		pkg = &PackageJSON{}
	}

	result.PackageManager, result.HasLockFile = detectPackageManager(root, pkg)
	result.RuntimeVersion = detectNodeVersion(root, pkg)
}

// parsePackageJSON reads and parses a package.json file.
func parsePackageJSON(p string) (*PackageJSON, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}

	return &pkg, nil
}

// detectPackageManager determines which package manager installs dependencies
// and whether a lock file is present.
func detectPackageManager(root string, pkg *PackageJSON) (string, bool) {
	locks := map[string]string{
		"pnpm": "pnpm-lock.yaml",
		"yarn": "yarn.lock",
		"npm":  "package-lock.json",
	}

	// Priority 1: packageManager field in package.json
	for _, pm := range []string{"yarn", "pnpm", "npm"} {
		if strings.HasPrefix(pkg.PackageManager, pm) {
			return pm, fileExists(filepath.Join(root, locks[pm]))
		}
	}

	// Priority 2: lock file presence
	for _, pm := range []string{"pnpm", "yarn", "npm"} {
		if fileExists(filepath.Join(root, locks[pm])) {
			return pm, true
		}
	}

	return "npm", false
}

// detectNodeVersion determines the Node.js version from version files or engines.
func detectNodeVersion(root string, pkg *PackageJSON) string {
	for _, name := range []string{".nvmrc", ".node-version"} {
		if data, err := os.ReadFile(filepath.Join(root, name)); err == nil {
			version := strings.TrimSpace(string(data))
			if nodeVersionRegex.MatchString(version) {
				return normalizeNodeVersion(version)
			}
		}
	}

	if pkg.Engines.Node != "" {
		return normalizeNodeVersion(pkg.Engines.Node)
	}

	return ""
}

// normalizeNodeVersion extracts a clean major or major.minor version.
func normalizeNodeVersion(version string) string {
	version = strings.TrimLeft(version, "v^~>=< ")
	if matches := nodeVersionRegex.FindStringSubmatch(version); len(matches) > 1 {
		if matches[2] != "" {
			return matches[1] + "." + matches[2]
		}
		return matches[1]
	}
	return version
}
