package sde

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"killfeed/internal/graph"
	"killfeed/internal/logger"
)

const sdeURL = "https://developers.eveonline.com/static-data/eve-online-static-data-latest-jsonl.zip"

// Data holds all parsed SDE data.
type Data struct {
	Systems  map[int32]*SolarSystem // systemID -> system
	Regions  map[int32]*Region      // regionID -> region
	Types    map[int32]*ItemType    // typeID -> type
	Groups   map[int32]*ItemGroup   // groupID -> group metadata
	Universe *graph.Universe
}

// Region represents an EVE region from the SDE.
type Region struct {
	ID   int32
	Name string
}

// SolarSystem represents an EVE solar system from the SDE.
type SolarSystem struct {
	ID       int32
	Name     string
	RegionID int32
	Security float64 // -1.0 to 1.0; <= 0.0 is null; highsec >= 0.45
}

// ItemType represents a ship/module type from the SDE, as consumed by the
// tracker evaluator's ship-class clauses (group_id/category_id matching).
type ItemType struct {
	ID         int32
	Name       string
	GroupID    int32 // item group (e.g. "Combat Battlecruiser")
	CategoryID int32 // item category (6=Ships, 7=Modules, ...)
	Published  bool
}

// ItemGroup represents group-level SDE metadata used for type classification.
type ItemGroup struct {
	ID         int32
	Name       string
	CategoryID int32
}

// Load downloads (if needed) and parses the SDE.
func Load(dataDir string) (*Data, error) {
	zipPath := filepath.Join(dataDir, "sde.zip")
	extractDir := filepath.Join(dataDir, "sde")

	if _, err := os.Stat(extractDir); os.IsNotExist(err) {
		logger.Info("SDE", "Downloading data...")
		if err := downloadFile(zipPath, sdeURL); err != nil {
			return nil, fmt.Errorf("download SDE: %w", err)
		}
		logger.Info("SDE", "Extracting data...")
		if err := extractZip(zipPath, extractDir); err != nil {
			return nil, fmt.Errorf("extract SDE: %w", err)
		}
	}

	data := &Data{
		Systems:  make(map[int32]*SolarSystem),
		Regions:  make(map[int32]*Region),
		Types:    make(map[int32]*ItemType),
		Groups:   make(map[int32]*ItemGroup),
		Universe: graph.NewUniverse(),
	}

	logger.Info("SDE", "Loading regions...")
	if err := data.loadRegions(extractDir); err != nil {
		return nil, err
	}
	logger.Info("SDE", "Loading solar systems...")
	if err := data.loadSystems(extractDir); err != nil {
		return nil, err
	}
	logger.Info("SDE", "Loading item types...")
	if err := data.loadTypes(extractDir); err != nil {
		return nil, err
	}
	logger.Info("SDE", "Loading stargates...")
	if err := data.loadStargates(extractDir); err != nil {
		return nil, err
	}

	logger.Section("SDE Statistics")
	logger.Stats("Regions", len(data.Regions))
	logger.Stats("Systems", len(data.Systems))
	logger.Stats("Item types", len(data.Types))
	return data, nil
}

func (d *Data) loadRegions(dir string) error {
	return readJSONL(dir, "mapRegions", func(raw json.RawMessage) error {
		var r struct {
			Key  int32             `json:"_key"`
			Name map[string]string `json:"name"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		name := r.Name["en"]
		if name == "" {
			return nil
		}
		d.Regions[r.Key] = &Region{
			ID:   r.Key,
			Name: name,
		}
		return nil
	})
}

func (d *Data) loadSystems(dir string) error {
	return readJSONL(dir, "mapSolarSystems", func(raw json.RawMessage) error {
		var s struct {
			Key             int32             `json:"_key"`
			Name            map[string]string `json:"name"`
			RegionID        int32             `json:"regionID"`
			ConstellationID int32             `json:"constellationID"`
			Security        float64           `json:"security"`
			SecurityStatus  float64           `json:"securityStatus"` // alternate SDE field name
			Center          struct {
				X, Y, Z float64
			} `json:"center"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		name := s.Name["en"]
		if name == "" {
			return nil
		}
		sec := s.Security
		if sec == 0 && s.SecurityStatus != 0 {
			sec = s.SecurityStatus
		}
		d.Systems[s.Key] = &SolarSystem{
			ID: s.Key, Name: name, RegionID: s.RegionID, Security: sec,
		}
		d.Universe.SetRegion(s.Key, s.RegionID)
		d.Universe.SetConstellation(s.Key, s.ConstellationID)
		d.Universe.SetSecurity(s.Key, sec)
		d.Universe.SetCoord(s.Key, graph.Coord{X: s.Center.X, Y: s.Center.Y, Z: s.Center.Z})
		return nil
	})
}

func (d *Data) loadTypes(dir string) error {
	// First load groups to get category mapping.
	groupCategories := make(map[int32]int32) // groupID -> categoryID
	err := readJSONL(dir, "groups", func(raw json.RawMessage) error {
		var g struct {
			Key        int32             `json:"_key"`
			Name       map[string]string `json:"name"`
			CategoryID int32             `json:"categoryID"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		nameEN := strings.TrimSpace(g.Name["en"])
		groupCategories[g.Key] = g.CategoryID
		d.Groups[g.Key] = &ItemGroup{
			ID:         g.Key,
			Name:       nameEN,
			CategoryID: g.CategoryID,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	// Then load types
	return readJSONL(dir, "types", func(raw json.RawMessage) error {
		var t struct {
			Key       int32             `json:"_key"`
			Name      map[string]string `json:"name"`
			Published bool              `json:"published"`
			GroupID   int32             `json:"groupID"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		name := t.Name["en"]
		if name == "" {
			return nil
		}
		d.Types[t.Key] = &ItemType{
			ID:         t.Key,
			Name:       name,
			GroupID:    t.GroupID,
			CategoryID: groupCategories[t.GroupID],
			Published:  t.Published,
		}
		return nil
	})
}

func (d *Data) loadStargates(dir string) error {
	return readJSONL(dir, "mapStargates", func(raw json.RawMessage) error {
		var g struct {
			SolarSystemID int32 `json:"solarSystemID"`
			Destination   struct {
				SolarSystemID int32 `json:"solarSystemID"`
			} `json:"destination"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		if g.SolarSystemID != 0 && g.Destination.SolarSystemID != 0 {
			d.Universe.AddGate(g.SolarSystemID, g.Destination.SolarSystemID)
		}
		return nil
	})
}

// readJSONL finds and reads a .jsonl file by base name from the extracted SDE directory.
func readJSONL(dir, baseName string, fn func(json.RawMessage) error) error {
	// Search for the file recursively
	var filePath string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		name := strings.TrimSuffix(info.Name(), ".jsonl")
		if strings.EqualFold(name, baseName) {
			filePath = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return err
	}
	if filePath == "" {
		logger.Warn("SDE", fmt.Sprintf("File %s.jsonl not found, skipping", baseName))
		return nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(json.RawMessage(line)); err != nil {
			continue // skip malformed lines
		}
	}
	return scanner.Err()
}

func downloadFile(dst, url string) error {
	os.MkdirAll(filepath.Dir(dst), 0755)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func extractZip(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	// Resolve destination to an absolute path for zip slip prevention
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("resolve extract dir: %w", err)
	}

	for _, f := range r.File {
		fpath := filepath.Join(dstAbs, f.Name)

		// Zip slip guard: ensure the resolved path stays within dst
		if rel, err := filepath.Rel(dstAbs, fpath); err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("illegal zip entry path: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(fpath, 0755)
			continue
		}
		os.MkdirAll(filepath.Dir(fpath), 0755)
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(fpath)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
