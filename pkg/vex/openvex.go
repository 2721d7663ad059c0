// Package vex contains logic for generating VEX (Vulnerability Exploitability eXchange) documents.
package vex

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/openvex/go-vex/pkg/vex"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
)

// test seams for time and id generation.
var (
	now        = time.Now
	generateID = func(doc *vex.VEX) (string, error) { return doc.GenerateCanonicalID() }
)

const notFixedAction = "Do not rely on this upgrade to remediate the vulnerability; upgrade further or apply a vendor fix."

type OpenVex struct{}

// purl types and namespaces per OSV ecosystem.
var purlTypes = map[string][2]string{
	version.PyPI:      {"pypi", ""},
	version.NPM:       {"npm", ""},
	version.Go:        {"golang", ""},
	version.CratesIO:  {"cargo", ""},
	version.Maven:     {"maven", ""},
	version.NuGet:     {"nuget", ""},
	version.RubyGems:  {"gem", ""},
	version.Packagist: {"composer", ""},
	version.Debian:    {"deb", "debian"},
	version.Ubuntu:    {"deb", "ubuntu"},
	version.Alpine:    {"apk", "alpine"},
	version.RedHat:    {"rpm", "redhat"},
	version.AlmaLinux: {"rpm", "almalinux"},
	version.Rocky:     {"rpm", "rocky"},
}

// PackageURL returns the purl of pkg@ver in ecosystem.
func PackageURL(ecosystem, pkg, ver string) string {
	t, ok := purlTypes[version.Canonical(ecosystem)]
	if !ok {
		t = [2]string{strings.ToLower(ecosystem), ""}
	}
	name := pkg
	switch t[0] {
	case "pypi":
		name = strings.ReplaceAll(strings.ToLower(pkg), "_", "-")
	case "maven":
		// group:artifact
		name = strings.Replace(pkg, ":", "/", 1)
	}
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(url.PathEscape(s), "@", "%40")
	}
	name = strings.Join(segs, "/")
	if t[1] != "" {
		name = t[1] + "/" + name
	}
	return "pkg:" + t[0] + "/" + name + "@" + url.PathEscape(ver)
}

func statusFor(v types.Verdict) (vex.Status, bool) {
	switch v.Status {
	case types.Fixed:
		return vex.StatusFixed, true
	case types.NotFixed:
		return vex.StatusAffected, true
	case types.Unconfirmed:
		return vex.StatusUnderInvestigation, true
	}
	return "", false
}

func statusNotes(v types.Verdict) string {
	sources := make([]string, 0, len(v.EvidenceSources))
	for _, s := range v.EvidenceSources {
		sources = append(sources, string(s))
	}
	note := fmt.Sprintf("confidence %d", v.Confidence)
	if len(sources) > 0 {
		note += " from " + strings.Join(sources, ", ")
	}
	if v.Rule != "" {
		note += " (" + v.Rule + ")"
	}
	return note
}

func (o *OpenVex) CreateVEXDocument(report *types.ScanReport) (string, error) {
	t := now()
	// construct a fresh VEX document per invocation (thread-safe, no shared state)
	doc := &vex.VEX{Metadata: vex.Metadata{
		Context: vex.Context,
		Author:  "PatchVerify",
		Tooling: "PatchVerify",
		Version: 1,
	}}
	doc.Timestamp = &t

	// set author from environment variable if it exists
	author := os.Getenv("PATCHVERIFY_VEX_AUTHOR")
	if author != "" {
		doc.Author = author
	}

	id, err := generateID(doc)
	if err != nil {
		return "", err
	}
	doc.ID = id

	product := vex.Product{
		Component: vex.Component{
			ID: PackageURL(report.Ecosystem, report.Package, report.NewVersion),
		},
	}

	seen := map[string]bool{}
	for _, v := range report.Verdicts {
		if v.CVEID == "" || seen[v.CVEID] {
			log.Debugf("skipping verdict %q for VEX: empty or duplicate id", v.CVEID)
			continue
		}
		status, ok := statusFor(v)
		if !ok {
			log.Debugf("skipping verdict %s: unknown status %q", v.CVEID, v.Status)
			continue
		}
		seen[v.CVEID] = true

		st := vex.Statement{
			Vulnerability: vex.Vulnerability{ID: v.CVEID},
			Products:      []vex.Product{product},
			Status:        status,
			StatusNotes:   statusNotes(v),
		}
		if status == vex.StatusAffected {
			st.ActionStatement = notFixedAction
		}
		doc.Statements = append(doc.Statements, st)
	}

	var buf bytes.Buffer
	err = doc.ToJSON(&buf)
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}
