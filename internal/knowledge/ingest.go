package knowledge

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Sources locates the local catalog dumps. Empty or missing paths are
// skipped.
type Sources struct {
	// NVDDir holds NVD CVE feeds, *.json or *.json.gz, in the 1.1 or 2.0 schema.
	NVDDir string `koanf:"nvd_dir"`
	// CWE is a CWE catalog export with a top-level "Weaknesses" array.
	CWE string `koanf:"cwe"`
	// CAPEC is a CAPEC export with a top-level "Attack_Patterns" array.
	CAPEC string `koanf:"capec"`
	// ATTCK is a MITRE ATT&CK STIX 2 bundle.
	ATTCK string `koanf:"attck"`
	// ATM is an Automotive Threat Matrix export with a top-level "threats" array.
	ATM string `koanf:"atm"`
	// StandardsDir holds *.md and *.txt standards excerpts, one document per file.
	StandardsDir string `koanf:"standards_dir"`
}

// Ingest loads every configured source and adds the documents the index
// does not hold yet. It returns how many were added.
func Ingest(ctx context.Context, x *Index, src Sources, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var docs []Document
	if src.NVDDir != "" {
		entries, err := os.ReadDir(src.NVDDir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return 0, fmt.Errorf("read NVD directory: %w", err)
		default:
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() || !(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")) {
					continue
				}
				d, err := LoadNVD(filepath.Join(src.NVDDir, name))
				if err != nil {
					return 0, err
				}
				docs = append(docs, d...)
			}
		}
	}

	for _, l := range []struct {
		path string
		load func(string) ([]Document, error)
	}{
		{src.CWE, LoadCWE},
		{src.CAPEC, LoadCAPEC},
		{src.ATTCK, LoadATTCK},
		{src.ATM, LoadATM},
		{src.StandardsDir, LoadStandards},
	} {
		if l.path == "" {
			continue
		}
		d, err := l.load(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("knowledge source missing", slog.String("path", l.path))
			continue
		}
		if err != nil {
			return 0, err
		}
		docs = append(docs, d...)
	}

	added, err := x.Add(ctx, docs)
	logger.Info("knowledge ingested",
		slog.Int("documents", len(docs)),
		slog.Int("added", added),
		slog.Int("indexed", x.Len()))
	return added, err
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LoadNVD reads an NVD CVE feed. Entries without an ID are skipped.
func LoadNVD(path string) ([]Document, error) {
	var feed struct {
		// 1.1 feeds
		Items []struct {
			CVE struct {
				Meta struct {
					ID string `json:"ID"`
				} `json:"CVE_data_meta"`
				Description struct {
					Data []struct {
						Value string `json:"value"`
					} `json:"description_data"`
				} `json:"description"`
			} `json:"cve"`
		} `json:"CVE_Items"`
		// 2.0 API responses
		Vulnerabilities []struct {
			CVE struct {
				ID           string `json:"id"`
				Descriptions []struct {
					Lang  string `json:"lang"`
					Value string `json:"value"`
				} `json:"descriptions"`
			} `json:"cve"`
		} `json:"vulnerabilities"`
	}
	if err := readJSON(path, &feed); err != nil {
		return nil, err
	}

	base := filepath.Base(path)
	cve := func(id, desc string) Document {
		return Document{
			ID:       id,
			Source:   SourceNVD,
			Type:     "CVE",
			Title:    "CVE " + id,
			Body:     desc,
			Metadata: map[string]string{"cve_id": id, "source_feed": base},
		}
	}

	var docs []Document
	for _, it := range feed.Items {
		if it.CVE.Meta.ID == "" {
			continue
		}
		var desc string
		if len(it.CVE.Description.Data) > 0 {
			desc = it.CVE.Description.Data[0].Value
		}
		docs = append(docs, cve(it.CVE.Meta.ID, desc))
	}
	for _, v := range feed.Vulnerabilities {
		if v.CVE.ID == "" {
			continue
		}
		var desc string
		for _, d := range v.CVE.Descriptions {
			if desc == "" || d.Lang == "en" {
				desc = d.Value
			}
		}
		docs = append(docs, cve(v.CVE.ID, desc))
	}
	return docs, nil
}

type catalogEntry struct {
	ID          string `json:"ID"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

// LoadCWE reads a CWE catalog export.
func LoadCWE(path string) ([]Document, error) {
	var cat struct {
		Weaknesses []catalogEntry `json:"Weaknesses"`
	}
	if err := readJSON(path, &cat); err != nil {
		return nil, err
	}
	return catalog(cat.Weaknesses, SourceCWE, "cwe_id"), nil
}

// LoadCAPEC reads a CAPEC attack pattern export.
func LoadCAPEC(path string) ([]Document, error) {
	var cat struct {
		Patterns []catalogEntry `json:"Attack_Patterns"`
	}
	if err := readJSON(path, &cat); err != nil {
		return nil, err
	}
	return catalog(cat.Patterns, SourceCAPEC, "capec_id"), nil
}

func catalog(entries []catalogEntry, src Source, idKey string) []Document {
	var docs []Document
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		docs = append(docs, Document{
			ID:       e.ID,
			Source:   src,
			Type:     string(src),
			Title:    fmt.Sprintf("%s %s: %s", src, e.ID, e.Name),
			Body:     e.Description,
			Metadata: map[string]string{idKey: e.ID},
		})
	}
	return docs
}

type stixRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
}

// LoadATTCK reads the attack-pattern objects of a MITRE ATT&CK STIX bundle
// that carry a mitre-attack external ID.
func LoadATTCK(path string) ([]Document, error) {
	var bundle struct {
		Objects []struct {
			Type        string    `json:"type"`
			Name        string    `json:"name"`
			Description string    `json:"description"`
			TacticType  string    `json:"x_mitre_tactic_type"`
			References  []stixRef `json:"external_references"`
		} `json:"objects"`
	}
	if err := readJSON(path, &bundle); err != nil {
		return nil, err
	}

	var docs []Document
	for _, o := range bundle.Objects {
		if o.Type != "attack-pattern" {
			continue
		}
		i := slices.IndexFunc(o.References, func(r stixRef) bool {
			return strings.Contains(r.SourceName, "mitre-attack") && r.ExternalID != ""
		})
		if i < 0 {
			continue
		}
		id := o.References[i].ExternalID
		meta := map[string]string{"attack_id": id}
		if o.TacticType != "" {
			meta["tactic"] = o.TacticType
		}
		docs = append(docs, Document{
			ID:       id,
			Source:   SourceATTCK,
			Type:     "TECHNIQUE",
			Title:    fmt.Sprintf("ATT&CK %s: %s", id, o.Name),
			Body:     o.Description,
			Metadata: meta,
		})
	}
	return docs, nil
}

// LoadATM reads an Automotive Threat Matrix export.
func LoadATM(path string) ([]Document, error) {
	var m struct {
		Threats []struct {
			ID          string `json:"id"`
			Category    string `json:"category"`
			Description string `json:"description"`
		} `json:"threats"`
	}
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}

	var docs []Document
	for _, t := range m.Threats {
		if t.ID == "" {
			continue
		}
		docs = append(docs, Document{
			ID:       t.ID,
			Source:   SourceATM,
			Type:     "AUTOMOTIVE_THREAT",
			Title:    fmt.Sprintf("ATM %s: %s", t.ID, t.Category),
			Body:     t.Description,
			Metadata: map[string]string{"atm_id": t.ID, "category": t.Category},
		})
	}
	return docs, nil
}

// LoadStandards reads every *.md and *.txt file of dir as one document.
func LoadStandards(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".txt")) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read standard %s: %w", name, err)
		}
		docs = append(docs, Document{
			ID:       name,
			Source:   SourceStandard,
			Type:     "TEXT",
			Title:    "Standard: " + name,
			Body:     string(b),
			Metadata: map[string]string{"filename": name},
		})
	}
	return docs, nil
}
