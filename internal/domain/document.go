package domain

import "encoding/json"

// Document is the whole persisted state: every entity plus a version
// marker. One instance lives in memory behind the store's lock.
type Document struct {
	Version    int        `json:"version"`
	Config     Config     `json:"config"`
	Entries    []Entry    `json:"entries"`
	Items      []Item     `json:"items"`
	Jobs       []Job      `json:"jobs"`
	Workers    []Worker   `json:"workers"`
	ScanStatus ScanStatus `json:"scanStatus"`

	Extra map[string]json.RawMessage `json:"-"`
}

func DefaultDocument() *Document {
	return &Document{
		Version:    1,
		Config:     DefaultConfig(),
		Entries:    []Entry{},
		Items:      []Item{},
		Jobs:       []Job{},
		Workers:    []Worker{},
		ScanStatus: ScanStatus{},
	}
}

// EnsureDefaults back-fills whatever a loaded document is missing so the
// rest of the system never sees nil collections or an empty config.
func (d *Document) EnsureDefaults() {
	if d.Version == 0 {
		d.Version = 1
	}
	d.Config.EnsureDefaults()
	if d.Entries == nil {
		d.Entries = []Entry{}
	}
	if d.Items == nil {
		d.Items = []Item{}
	}
	if d.Jobs == nil {
		d.Jobs = []Job{}
	}
	if d.Workers == nil {
		d.Workers = []Worker{}
	}
}

// FindEntry returns a pointer into d.Entries, valid only while the caller
// holds the store lock.
func (d *Document) FindEntry(id string) *Entry {
	for i := range d.Entries {
		if d.Entries[i].ID == id {
			return &d.Entries[i]
		}
	}
	return nil
}

func (d *Document) FindItem(id string) *Item {
	for i := range d.Items {
		if d.Items[i].ID == id {
			return &d.Items[i]
		}
	}
	return nil
}

func (d *Document) FindItemByPath(path string) *Item {
	for i := range d.Items {
		if d.Items[i].Path == path {
			return &d.Items[i]
		}
	}
	return nil
}

func (d *Document) FindJob(id string) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i]
		}
	}
	return nil
}

func (d *Document) FindWorker(id string) *Worker {
	for i := range d.Workers {
		if d.Workers[i].ID == id {
			return &d.Workers[i]
		}
	}
	return nil
}

func (d *Document) FindWorkerByName(name string) *Worker {
	for i := range d.Workers {
		if d.Workers[i].Name == name {
			return &d.Workers[i]
		}
	}
	return nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*d = Document(a)
	d.Extra = extra
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	type alias Document
	return mergeExtras(alias(d), d.Extra)
}
