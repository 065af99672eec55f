package commits

import "strings"

const commitsSegment = "commits/"

// Query names a branch of a remote repository. It only shapes the outbound
// request and is never persisted.
type Query struct {
	// Repository is the API base of the repository, e.g.
	// https://api.github.com/repos/avalonmediasystem/avalon/
	// A trailing commits/ segment is optional.
	Repository string
	Branch     string
}

// URL returns the list-commits URL for the query. The API is treated as case
// insensitive: both parts are lowercased. The repository is normalized to end
// in exactly one "/" followed by "commits/", which is only appended when not
// already present, and the branch is appended last.
func (q Query) URL() string {
	repo := strings.ToLower(q.Repository)
	branch := strings.ToLower(q.Branch)

	repo = strings.TrimRight(repo, "/") + "/"
	if !strings.HasSuffix(repo, "/"+commitsSegment) && repo != commitsSegment {
		repo += commitsSegment
	}

	return repo + branch
}
