// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is Markdown text rendered for the user.
	MarkdownMsg string

	// HttpLink is a documentation URL.
	HttpLink string

	// Issue is a help page for a class of failure.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

const (
	ManifestInvalidId Id = iota + 1
	FormatUnsupportedId
	ResourceNotFoundId
	NetworkFailureId
	IntegrityMismatchId
	DependencyCycleId
	MissingOutputId
	RuntimeIncompatibleId
	ModuleFailedId
	ConfigLoadFailedId
	CacheSchemaNewerId
	LockfileMismatchId
	PermissionDeniedId
	DaemonProtocolId
)

// Id returns the catalog ID.
func (i *Issue) Id() Id {
	return i.id
}

// MarkdownMsg returns the page body.
func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// DocLinks returns the documentation links.
func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// ExtLinks returns external links.
func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the page with the glamour style at stylePath ("dark",
// "light", "notty" or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range append(slices.Clone(i.docLinks), i.extLinks...) {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	manifestInvalidIssue = &Issue{
		id: ManifestInvalidId,
		mdMsg: `
# The package manifest is invalid

The manifest could not be parsed or does not follow format ` + "`1`" + `.

## Things you can try
- Check the manifest for the reported field:
~~~
$ wineyard manifest check ./package.toml
~~~
- Every resource needs a ` + "`uri`" + `; a hash must look like ` + "`sha256:<hex>`" + `.
- Resource names may not contain ` + "`/`" + ` and must be unique across inputs and outputs.

## A minimal manifest
~~~toml
[package]
format = 1

[inputs.setup]
uri = "setup.sh"
format = "module/sh"

[outputs.config]
uri = "config.json"
~~~`,
	}

	formatUnsupportedIssue = &Issue{
		id: FormatUnsupportedId,
		mdMsg: `
# Unknown or ambiguous resource format

The format of a resource could not be resolved to a registered type.

## Things you can try
- Spell out the format: ` + "`format = \"archive/tar\"`" + `, ` + "`\"file\"`" + `, ` + "`\"package\"`" + ` or ` + "`\"module/sh\"`" + `.
- Use a URI with a recognized extension (` + "`.tar.gz`" + `, ` + "`.zip`" + `, ` + "`.7z`" + `, ` + "`.sh`" + `).`,
	}

	resourceNotFoundIssue = &Issue{
		id: ResourceNotFoundId,
		mdMsg: `
# A resource could not be found

A URI in the package graph points to nothing.

## Things you can try
- Relative URIs are resolved against the manifest that declares them.
- For ` + "`git+https://host/repo.git//path?ref=tag`" + ` URIs, check the path inside the repository and the ref.
- Private repositories need ` + "`WINEYARD_GIT_TOKEN`" + ` or an SSH key.`,
	}

	networkFailureIssue = &Issue{
		id: NetworkFailureId,
		mdMsg: `
# A download failed

The resource could not be fetched after retrying.

## Things you can try
- Retry the package once the network is back:
~~~
$ wineyard load ./package.toml
~~~
- Raise ` + "`fetch.retries`" + ` or ` + "`fetch.timeout`" + ` in the configuration.`,
	}

	integrityMismatchIssue = &Issue{
		id: IntegrityMismatchId,
		mdMsg: `
# Integrity check failed

The content behind a URI does not match the hash declared for it. Nothing was
written to the cache.

## Things you can try
- If the upstream file changed on purpose, update the ` + "`hash`" + ` in the manifest.
- Otherwise treat the source as untrusted.`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Dependency cycle

Packages import each other in a loop. Package graphs must be acyclic.

## Things you can try
- Follow the chain in the error message and remove one of the imports.`,
	}

	missingOutputIssue = &Issue{
		id: MissingOutputId,
		mdMsg: `
# Missing output

A package imports an output that the dependency does not declare.

## Things you can try
- Check the fragment after ` + "`#`" + ` in the import URI against the dependency's ` + "`[outputs]`" + `.
- Show the dependency manifest:
~~~
$ wineyard manifest show <uri>
~~~`,
	}

	runtimeIncompatibleIssue = &Issue{
		id: RuntimeIncompatibleId,
		mdMsg: `
# Runtime is too old for this package

A package requires a newer module runtime than this build provides.

## Things you can try
- Check the runtime version:
~~~
$ wineyard --version
~~~
- Upgrade wineyard, or pin an older version of the package.`,
	}

	moduleFailedIssue = &Issue{
		id: ModuleFailedId,
		mdMsg: `
# A module failed

A module exited with an error, read an undeclared input or wrote an undeclared
output.

## Things you can try
- Modules may only read declared inputs and write declared outputs.
- Run the daemon with ` + "`WINEYARD_LOG_LEVEL=debug`" + ` to see module logs.`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load the configuration

## Things you can try
- Show where the configuration is read from:
~~~
$ wineyard config path
~~~
- Regenerate a default file and compare:
~~~
$ wineyard config init --force
~~~
- Environment variables ` + "`WINEYARD_<SECTION>_<KEY>`" + ` override the file.`,
	}

	cacheSchemaNewerIssue = &Issue{
		id: CacheSchemaNewerId,
		mdMsg: `
# The cache was written by a newer wineyard

## Things you can try
- Upgrade wineyard, or point ` + "`cache.dir`" + ` at another directory.`,
	}

	lockfileMismatchIssue = &Issue{
		id: LockfileMismatchId,
		mdMsg: `
# The lock file is out of date

The resolved graph no longer matches ` + "`package.lock`" + `.

## Things you can try
- Regenerate it:
~~~
$ wineyard lock ./package.toml
~~~`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied

## Things you can try
- Check the ownership of the cache directory:
~~~
$ wineyard cache path
~~~`,
	}

	daemonProtocolIssue = &Issue{
		id: DaemonProtocolId,
		mdMsg: `
# Protocol mismatch

The client speaks a protocol version the daemon does not support.

## Things you can try
- Upgrade the client and the daemon together.`,
	}

	issues = map[Id]*Issue{
		manifestInvalidIssue.Id():     manifestInvalidIssue,
		formatUnsupportedIssue.Id():   formatUnsupportedIssue,
		resourceNotFoundIssue.Id():    resourceNotFoundIssue,
		networkFailureIssue.Id():      networkFailureIssue,
		integrityMismatchIssue.Id():   integrityMismatchIssue,
		dependencyCycleIssue.Id():     dependencyCycleIssue,
		missingOutputIssue.Id():       missingOutputIssue,
		runtimeIncompatibleIssue.Id(): runtimeIncompatibleIssue,
		moduleFailedIssue.Id():        moduleFailedIssue,
		configLoadFailedIssue.Id():    configLoadFailedIssue,
		cacheSchemaNewerIssue.Id():    cacheSchemaNewerIssue,
		lockfileMismatchIssue.Id():    lockfileMismatchIssue,
		permissionDeniedIssue.Id():    permissionDeniedIssue,
		daemonProtocolIssue.Id():      daemonProtocolIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return out
}

// Get returns the entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
