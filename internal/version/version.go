package version

// Current is the importer release, without a "v" prefix.
const Current = "0.1.0"

// UserAgent is sent with every catalog request.
func UserAgent() string {
	return "catalog-import/" + Current
}
