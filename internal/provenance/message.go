package provenance

import (
	"fmt"
	"strconv"
	"strings"
)

// Commit message layout: one human-readable summary line, a blank
// line, then a machine-parseable trailer block. Trailer keys follow
// the git trailer convention so standard tooling can read them.
const (
	trailerPlane      = "Gitstate-Plane"
	trailerOperation  = "Gitstate-Operation"
	trailerActor      = "Gitstate-Actor"
	trailerTxn        = "Gitstate-Transaction"
	trailerRepository = "Gitstate-Source-Repository"
	trailerRef        = "Gitstate-Source-Ref"
	trailerRevision   = "Gitstate-Source-Revision"
	trailerCreated    = "Gitstate-Created"
	trailerUpdated    = "Gitstate-Updated"
	trailerDeleted    = "Gitstate-Deleted"
)

// FormatMessage renders the commit message for a snapshot of the
// given plane.
func FormatMessage(plane string, p Provenance, s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s): %s\n\n", p.Operation, plane, s)
	for _, t := range []struct{ key, value string }{
		{trailerPlane, plane},
		{trailerOperation, p.Operation},
		{trailerActor, p.Actor},
		{trailerTxn, p.TxnID},
		{trailerRepository, p.Repository},
		{trailerRef, p.Ref},
		{trailerRevision, p.Revision},
		{trailerCreated, strconv.Itoa(s.Created)},
		{trailerUpdated, strconv.Itoa(s.Updated)},
		{trailerDeleted, strconv.Itoa(s.Deleted)},
	} {
		fmt.Fprintf(&b, "%s: %s\n", t.key, t.value)
	}
	return b.String()
}

// ParseMessage recovers the plane, provenance, and change summary
// from a snapshot commit message. Messages written by other tools
// yield zero values rather than errors; history listing must not fail
// on foreign commits in a shared repository.
func ParseMessage(message string) (string, Provenance, Summary) {
	var plane string
	var p Provenance
	var s Summary
	for _, line := range strings.Split(message, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case trailerPlane:
			plane = value
		case trailerOperation:
			p.Operation = value
		case trailerActor:
			p.Actor = value
		case trailerTxn:
			p.TxnID = value
		case trailerRepository:
			p.Repository = value
		case trailerRef:
			p.Ref = value
		case trailerRevision:
			p.Revision = value
		case trailerCreated:
			s.Created, _ = strconv.Atoi(value)
		case trailerUpdated:
			s.Updated, _ = strconv.Atoi(value)
		case trailerDeleted:
			s.Deleted, _ = strconv.Atoi(value)
		}
	}
	return plane, p, s
}
