// Package workspace manages the on-disk checkout directories for builds.
//
// Every build gets its own directory under a common root, named by build
// id (e.g. /var/lib/centrix-ci/workspace/42). The directory is prepared
// before checkout and removed after the build finishes; builds that run
// against a pre-synced local path never touch the workspace.
package workspace
