package replicator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"syncbase/pkg/model"
)

// fakeRemote is a minimal CouchDB-compatible peer used by this package's
// own tests: `_local` checkpoints, `_changes`, single-document GET,
// `_revs_diff`, and `_bulk_docs`. It does not model conflicts, multipart
// bodies, or attachments — those are exercised at the changefeed layer.
type fakeRemote struct {
	mu          sync.Mutex
	docs        map[string]*fakeRemoteDoc
	order       []string
	seqOf       map[string]int64
	seq         int64
	checkpoints map[string]fakeCheckpoint
	dbCreated   bool
	conflictOn  map[string]bool
}

type fakeRemoteDoc struct {
	revID   string
	body    map[string]interface{}
	deleted bool
}

type fakeCheckpoint struct {
	rev  string
	body map[string]interface{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:        map[string]*fakeRemoteDoc{},
		seqOf:       map[string]int64{},
		checkpoints: map[string]fakeCheckpoint{},
	}
}

func (r *fakeRemote) seedDoc(docID, revID string, body map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.docs[docID] = &fakeRemoteDoc{revID: revID, body: body}
	r.seqOf[docID] = r.seq
	r.order = append(r.order, docID)
}

// seedConflict marks docID so a future _bulk_docs upload for it comes
// back as a per-document conflict instead of being stored.
func (r *fakeRemote) seedConflict(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictOn == nil {
		r.conflictOn = map[string]bool{}
	}
	r.conflictOn[docID] = true
}

func (r *fakeRemote) seedCheckpoint(id, lastSequence string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints[id] = fakeCheckpoint{rev: "1-seed", body: map[string]interface{}{"lastSequence": lastSequence}}
}

func (r *fakeRemote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/db")
	switch {
	case req.Method == http.MethodPut && path == "":
		r.handleCreateDB(w)
	case strings.HasPrefix(path, "/_local/"):
		r.handleLocal(w, req, strings.TrimPrefix(path, "/_local/"))
	case path == "/_changes":
		r.handleChanges(w, req)
	case path == "/_revs_diff" && req.Method == http.MethodPost:
		r.handleRevsDiff(w, req)
	case path == "/_bulk_docs" && req.Method == http.MethodPost:
		r.handleBulkDocs(w, req)
	case path == "/_session":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":      true,
			"userCtx": map[string]interface{}{"name": "test"},
		})
	case req.Method == http.MethodGet && strings.HasPrefix(path, "/"):
		r.handleGetDoc(w, req, strings.TrimPrefix(path, "/"))
	default:
		http.NotFound(w, req)
	}
}

func (r *fakeRemote) handleCreateDB(w http.ResponseWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dbCreated {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	r.dbCreated = true
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
}

func (r *fakeRemote) handleLocal(w http.ResponseWriter, req *http.Request, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch req.Method {
	case http.MethodGet:
		cp, ok := r.checkpoints[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "not_found"})
			return
		}
		out := map[string]interface{}{"_id": "_local/" + id, "_rev": cp.rev}
		for k, v := range cp.body {
			out[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)

	case http.MethodPut:
		var body map[string]interface{}
		json.NewDecoder(req.Body).Decode(&body)
		reqRev, _ := body["_rev"].(string)
		cp, exists := r.checkpoints[id]
		if (exists && reqRev != cp.rev) || (!exists && reqRev != "") {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "conflict"})
			return
		}
		gen := 1
		if exists {
			g, _ := model.Generation(cp.rev)
			gen = g + 1
		}
		newRev := model.NewRevID(gen, "fake")
		delete(body, "_rev")
		r.checkpoints[id] = fakeCheckpoint{rev: newRev, body: body}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "rev": newRev})

	default:
		http.NotFound(w, req)
	}
}

func (r *fakeRemote) handleChanges(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	since, _ := strconv.ParseInt(req.URL.Query().Get("since"), 10, 64)
	type rawRev struct {
		Rev string `json:"rev"`
	}
	type change struct {
		Seq     int64    `json:"seq"`
		ID      string   `json:"id"`
		Deleted bool     `json:"deleted,omitempty"`
		Changes []rawRev `json:"changes"`
	}
	var results []change
	for _, docID := range r.order {
		seq := r.seqOf[docID]
		if seq <= since {
			continue
		}
		doc := r.docs[docID]
		results = append(results, change{
			Seq:     seq,
			ID:      docID,
			Deleted: doc.deleted,
			Changes: []rawRev{{Rev: doc.revID}},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"results": results, "last_seq": r.seq})
}

func (r *fakeRemote) handleGetDoc(w http.ResponseWriter, req *http.Request, docID string) {
	r.mu.Lock()
	doc, ok := r.docs[docID]
	r.mu.Unlock()

	rev := req.URL.Query().Get("rev")
	if !ok || (rev != "" && rev != doc.revID) {
		http.NotFound(w, req)
		return
	}

	gen, _ := model.Generation(doc.revID)
	out := map[string]interface{}{
		"_id":        docID,
		"_rev":       doc.revID,
		"_revisions": map[string]interface{}{"start": gen, "ids": []string{model.HashPart(doc.revID)}},
	}
	for k, v := range doc.body {
		out[k] = v
	}
	if doc.deleted {
		out["_deleted"] = true
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (r *fakeRemote) handleRevsDiff(w http.ResponseWriter, req *http.Request) {
	var in map[string][]string
	json.NewDecoder(req.Body).Decode(&in)

	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]interface{}{}
	for docID, revs := range in {
		doc, ok := r.docs[docID]
		var missing []string
		for _, rev := range revs {
			if !ok || doc.revID != rev {
				missing = append(missing, rev)
			}
		}
		if len(missing) > 0 {
			out[docID] = map[string][]string{"missing": missing}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (r *fakeRemote) handleBulkDocs(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Docs []map[string]interface{} `json:"docs"`
	}
	json.NewDecoder(req.Body).Decode(&in)

	r.mu.Lock()
	defer r.mu.Unlock()
	results := []map[string]interface{}{}
	for _, d := range in.Docs {
		docID, _ := d["_id"].(string)
		revID, _ := d["_rev"].(string)
		deleted, _ := d["_deleted"].(bool)

		if r.conflictOn[docID] {
			results = append(results, map[string]interface{}{"id": docID, "error": "conflict", "reason": "document update conflict"})
			continue
		}

		body := map[string]interface{}{}
		for k, v := range d {
			if strings.HasPrefix(k, "_") {
				continue
			}
			body[k] = v
		}
		if _, exists := r.docs[docID]; !exists {
			r.order = append(r.order, docID)
		}
		r.seq++
		r.docs[docID] = &fakeRemoteDoc{revID: revID, body: body, deleted: deleted}
		r.seqOf[docID] = r.seq
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}
