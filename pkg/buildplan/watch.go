package buildplan

// watchingDeps are packages whose presence means the dev server reloads
// changed source files on its own, so a preview container does not need a
// restart on save
var watchingDeps = []string{
	"vite",
	"next",
	"nuxt",
	"astro",
	"webpack-dev-server",
	"nodemon",
	"parcel",
	"@remix-run/dev",
}

// HasFileWatching inspects a site's manifest for a dev script or a known
// watching dependency. Sites without a manifest never watch.
func HasFileWatching(path string) bool {
	pkg, err := readManifest(path)
	if err != nil {
		return false
	}

	if _, ok := pkg.Scripts["dev"]; ok {
		return true
	}

	for _, dep := range watchingDeps {
		if _, ok := pkg.Dependencies[dep]; ok {
			return true
		}
		if _, ok := pkg.DevDependencies[dep]; ok {
			return true
		}
	}
	return false
}
