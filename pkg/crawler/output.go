package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// OutputManager owns the mapping file and the metadata collected for one mirror run.
type OutputManager struct {
	log       *logrus.Entry
	appCfg    *config.AppConfig
	siteCfg   *config.SiteConfig
	siteKey   string
	localRoot string

	// TSV mapping
	mappingFile     *os.File
	mappingFileMu   sync.Mutex
	mappingFilePath string

	// YAML metadata
	collected  []models.ResourceMetadata
	savedCount int
	totalBytes int64
	metadataMu sync.Mutex
	startTime  time.Time
}

// NewOutputManager creates an OutputManager without opening files.
// Call OpenFiles once the local root exists.
func NewOutputManager(log *logrus.Entry, appCfg *config.AppConfig, siteCfg *config.SiteConfig, siteKey, localRoot string) *OutputManager {
	return &OutputManager{
		log:       log,
		appCfg:    appCfg,
		siteCfg:   siteCfg,
		siteKey:   siteKey,
		localRoot: localRoot,
		collected: make([]models.ResourceMetadata, 0),
	}
}

// OpenFiles opens the TSV mapping file if enabled. Resume appends to it.
func (om *OutputManager) OpenFiles(resume bool) {
	om.startTime = time.Now()
	if !config.GetEffectiveEnableOutputMapping(*om.siteCfg, *om.appCfg) {
		om.log.Info("TSV URL-to-file mapping is disabled.")
		return
	}
	om.mappingFilePath = filepath.Join(om.localRoot, config.GetEffectiveOutputMappingFilename(*om.siteCfg, *om.appCfg))
	om.log.Infof("TSV URL-to-file mapping enabled. Output file: %s", om.mappingFilePath)
	om.mappingFile = openOutputFile(om.log, om.mappingFilePath, "TSV mapping", resume)
}

// openOutputFile opens an output file for writing, appending on resume and truncating otherwise.
// Returns nil on error; the caller treats nil as output disabled.
func openOutputFile(log *logrus.Entry, path, label string, resume bool) *os.File {
	openFlags := os.O_CREATE | os.O_WRONLY
	if resume {
		log.Debugf("Resume mode: appending to %s file: %s", label, path)
		openFlags |= os.O_APPEND
	} else {
		openFlags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		log.Errorf("Failed to open %s file '%s': %v. %s output will be disabled.", label, path, err, label)
		return nil
	}
	return file
}

// Record notes a saved resource in the mapping file and the metadata.
func (om *OutputManager) Record(meta models.ResourceMetadata, taskLog *logrus.Entry) {
	om.writeToMappingFile(meta.URL, meta.SavePath, taskLog)

	om.metadataMu.Lock()
	om.savedCount++
	om.totalBytes += meta.Size
	if config.GetEffectiveEnableMetadataYAML(*om.siteCfg, *om.appCfg) {
		om.collected = append(om.collected, meta)
	}
	om.metadataMu.Unlock()
}

// Saved returns how many resources were recorded and their total size.
func (om *OutputManager) Saved() (count int, bytes int64) {
	om.metadataMu.Lock()
	defer om.metadataMu.Unlock()
	return om.savedCount, om.totalBytes
}

func (om *OutputManager) writeToMappingFile(pageURL, savePath string, taskLog *logrus.Entry) {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t%s\n", pageURL, savePath)
	if _, err := om.mappingFile.WriteString(line); err != nil {
		taskLog.WithFields(logrus.Fields{
			"tsv_mapping_file": om.mappingFilePath,
			"line_content":     strings.TrimSpace(line),
		}).Errorf("Failed to write to TSV mapping file: %v", err)
	}
}

// Close closes the mapping file, writes metadata.yaml and, if enabled, the tree file.
func (om *OutputManager) Close(runID string, sinkCounts map[string]int64) error {
	om.closeMappingFile()
	if config.GetEffectiveWriteTree(*om.siteCfg, *om.appCfg) {
		treePath := filepath.Join(om.localRoot, "tree.txt")
		if stats, err := utils.GenerateAndSaveTreeStructure(om.localRoot, treePath, om.log); err != nil {
			om.log.Warnf("Could not write tree file: %v", err)
		} else {
			om.log.WithFields(logrus.Fields{"dirs": stats.Dirs, "files": stats.Files, "bytes": stats.Bytes}).Infof("Wrote tree to %s", treePath)
		}
	}
	return om.writeMetadataYAML(runID, sinkCounts)
}

func (om *OutputManager) closeMappingFile() {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile != nil {
		if err := om.mappingFile.Sync(); err != nil {
			om.log.Errorf("Error syncing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		if err := om.mappingFile.Close(); err != nil {
			om.log.Errorf("Error closing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		om.mappingFile = nil
	}
}

func (om *OutputManager) writeMetadataYAML(runID string, sinkCounts map[string]int64) error {
	if !config.GetEffectiveEnableMetadataYAML(*om.siteCfg, *om.appCfg) {
		om.log.Debug("YAML metadata output is disabled.")
		return nil
	}
	yamlFilePath := filepath.Join(om.localRoot, config.GetEffectiveMetadataYAMLFilename(*om.siteCfg, *om.appCfg))

	var siteConfigMap map[string]any
	if b, err := yaml.Marshal(om.siteCfg); err != nil {
		om.log.Warnf("Could not marshal site_configuration for YAML metadata: %v", err)
	} else if err := yaml.Unmarshal(b, &siteConfigMap); err != nil {
		om.log.Warnf("Could not unmarshal site_configuration into map for YAML metadata: %v", err)
		siteConfigMap = nil
	}

	om.metadataMu.Lock()
	resources := make([]models.ResourceMetadata, len(om.collected))
	copy(resources, om.collected)
	totalBytes := om.totalBytes
	om.metadataMu.Unlock()

	metadata := models.MirrorMetadata{
		SiteKey:           om.siteKey,
		RunID:             runID,
		StartURLs:         om.siteCfg.StartURLs,
		AllowedHosts:      om.siteCfg.AllowedHosts,
		LocalRoot:         om.localRoot,
		StartTime:         om.startTime,
		EndTime:           time.Now(),
		TotalSaved:        len(resources),
		TotalBytes:        totalBytes,
		SinkCounts:        sinkCounts,
		SiteConfiguration: siteConfigMap,
		Resources:         resources,
	}

	yamlData, err := yaml.Marshal(&metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal mirror metadata to YAML for site '%s': %w", om.siteKey, err)
	}
	if err := os.WriteFile(yamlFilePath, yamlData, 0644); err != nil {
		return fmt.Errorf("%w: writing metadata YAML '%s' for site '%s': %w", utils.ErrFilesystem, yamlFilePath, om.siteKey, err)
	}
	om.log.Infof("Wrote mirror metadata (%d resources) to %s", metadata.TotalSaved, yamlFilePath)
	return nil
}
