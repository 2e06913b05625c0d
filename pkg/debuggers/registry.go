package debuggers

import (
	"sort"
	"sync"
)

type Breakpoint struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
}

type Watch struct {
	Expr    string `json:"expr" yaml:"expr"`
	ID      int    `json:"id" yaml:"id"`
	NoBreak bool   `json:"noBreak" yaml:"noBreak"`
}

// RegistryState is the opaque form of a Registry handed to the host's
// save/restore hook.
type RegistryState struct {
	Breakpoints map[string][]Breakpoint `json:"breakpoints" yaml:"breakpoints"`
	Watches     map[string][]Watch      `json:"watches" yaml:"watches"`
	// LastWatchID keeps ids monotonic across a restore.
	LastWatchID map[string]int `json:"lastWatchId" yaml:"lastWatchId"`
}

// Registry holds breakpoints and watches per language. It outlives sessions:
// entries added while no session exists are replayed on the next start.
type Registry struct {
	lock        sync.Mutex
	breakpoints map[string]map[Breakpoint]bool
	watches     map[string]map[int]Watch
	lastWatchID map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		breakpoints: make(map[string]map[Breakpoint]bool),
		watches:     make(map[string]map[int]Watch),
		lastWatchID: make(map[string]int),
	}
}

// ToggleBreakpoint adds the breakpoint if it is absent and removes it
// otherwise. It returns true when the breakpoint is now set.
func (r *Registry) ToggleBreakpoint(lang, file string, line int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	bp := Breakpoint{File: file, Line: line}
	bps := r.breakpoints[lang]
	if bps[bp] {
		r.deleteBreakpoint(lang, bp)
		return false
	}
	if bps == nil {
		bps = make(map[Breakpoint]bool)
		r.breakpoints[lang] = bps
	}
	bps[bp] = true
	return true
}

// RemoveBreakpoint returns false if there was no such breakpoint.
func (r *Registry) RemoveBreakpoint(lang, file string, line int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	bp := Breakpoint{File: file, Line: line}
	if !r.breakpoints[lang][bp] {
		return false
	}
	r.deleteBreakpoint(lang, bp)
	return true
}

func (r *Registry) deleteBreakpoint(lang string, bp Breakpoint) {
	delete(r.breakpoints[lang], bp)
	if len(r.breakpoints[lang]) == 0 {
		delete(r.breakpoints, lang)
	}
}

// Breakpoints returns the language's breakpoints grouped by file, files and
// lines in ascending order.
func (r *Registry) Breakpoints(lang string) []Breakpoint {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Breakpoint, 0, len(r.breakpoints[lang]))
	for bp := range r.breakpoints[lang] {
		result = append(result, bp)
	}
	sortBreakpoints(result)
	return result
}

func sortBreakpoints(bps []Breakpoint) {
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].File != bps[j].File {
			return bps[i].File < bps[j].File
		}
		return bps[i].Line < bps[j].Line
	})
}

// AddWatch registers expr under the next id of the language. Ids are never
// reused, even after the watch is removed.
func (r *Registry) AddWatch(lang, expr string, noBreak bool) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, w := range r.watches[lang] {
		if w.Expr == expr {
			return 0, ErrDuplicateWatch
		}
	}
	r.lastWatchID[lang]++
	w := Watch{Expr: expr, ID: r.lastWatchID[lang], NoBreak: noBreak}
	if r.watches[lang] == nil {
		r.watches[lang] = make(map[int]Watch)
	}
	r.watches[lang][w.ID] = w
	return w.ID, nil
}

func (r *Registry) RemoveWatch(lang string, id int) (Watch, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	w, ok := r.watches[lang][id]
	if !ok {
		return Watch{}, false
	}
	delete(r.watches[lang], id)
	if len(r.watches[lang]) == 0 {
		delete(r.watches, lang)
	}
	return w, true
}

// Watches returns the language's watches in id order.
func (r *Registry) Watches(lang string) []Watch {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Watch, 0, len(r.watches[lang]))
	for _, w := range r.watches[lang] {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) Snapshot() RegistryState {
	r.lock.Lock()
	langs := make(map[string]bool)
	for lang := range r.breakpoints {
		langs[lang] = true
	}
	for lang := range r.watches {
		langs[lang] = true
	}
	lastIDs := make(map[string]int, len(r.lastWatchID))
	for lang, id := range r.lastWatchID {
		lastIDs[lang] = id
	}
	r.lock.Unlock()

	state := RegistryState{
		Breakpoints: make(map[string][]Breakpoint),
		Watches:     make(map[string][]Watch),
		LastWatchID: lastIDs,
	}
	for lang := range langs {
		if bps := r.Breakpoints(lang); len(bps) > 0 {
			state.Breakpoints[lang] = bps
		}
		if ws := r.Watches(lang); len(ws) > 0 {
			state.Watches[lang] = ws
		}
	}
	return state
}

// Restore replaces the registry contents with state.
func (r *Registry) Restore(state RegistryState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.breakpoints = make(map[string]map[Breakpoint]bool)
	r.watches = make(map[string]map[int]Watch)
	r.lastWatchID = make(map[string]int)
	for lang, bps := range state.Breakpoints {
		set := make(map[Breakpoint]bool, len(bps))
		for _, bp := range bps {
			set[bp] = true
		}
		if len(set) > 0 {
			r.breakpoints[lang] = set
		}
	}
	for lang, ws := range state.Watches {
		m := make(map[int]Watch, len(ws))
		for _, w := range ws {
			m[w.ID] = w
			if w.ID > r.lastWatchID[lang] {
				r.lastWatchID[lang] = w.ID
			}
		}
		if len(m) > 0 {
			r.watches[lang] = m
		}
	}
	for lang, id := range state.LastWatchID {
		if id > r.lastWatchID[lang] {
			r.lastWatchID[lang] = id
		}
	}
}
