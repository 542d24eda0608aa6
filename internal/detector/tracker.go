package detector

import (
	"sort"
	"time"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Tracker assigns stable track ids to detections that arrive without one,
// by greedy IoU association against the previous frame's tracks of the same
// label. One Tracker serves one stream and is not safe for concurrent use.
type Tracker struct {
	minIoU float64
	maxAge time.Duration
	nextID int64
	tracks []track
}

type track struct {
	id       int64
	label    string
	box      models.BoundingBox
	lastSeen time.Time
}

// NewTracker creates a tracker. Tracks unmatched for longer than maxAge are
// forgotten; their ids are never reused by this tracker.
func NewTracker(minIoU float64, maxAge time.Duration) *Tracker {
	return &Tracker{minIoU: minIoU, maxAge: maxAge, nextID: 1}
}

// Assign fills in TrackID for detections that lack one and returns the
// detections. Detections that already carry a track id pass through.
func (t *Tracker) Assign(now time.Time, dets []models.Detection) []models.Detection {
	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if now.Sub(tr.lastSeen) <= t.maxAge {
			live = append(live, tr)
		}
	}
	t.tracks = live

	type pair struct {
		det, trk int
		iou      float64
	}
	var pairs []pair
	for i, d := range dets {
		if d.TrackID != nil {
			continue
		}
		for j, tr := range t.tracks {
			if tr.label != d.Label {
				continue
			}
			if iou := d.Box.IoU(tr.box); iou >= t.minIoU {
				pairs = append(pairs, pair{i, j, iou})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].iou > pairs[b].iou })

	detUsed := make(map[int]bool)
	trkUsed := make(map[int]bool)
	for _, p := range pairs {
		if detUsed[p.det] || trkUsed[p.trk] {
			continue
		}
		detUsed[p.det] = true
		trkUsed[p.trk] = true
		id := t.tracks[p.trk].id
		dets[p.det].TrackID = &id
		t.tracks[p.trk].box = dets[p.det].Box
		t.tracks[p.trk].lastSeen = now
	}

	for i := range dets {
		if dets[i].TrackID != nil {
			continue
		}
		id := t.nextID
		t.nextID++
		dets[i].TrackID = &id
		t.tracks = append(t.tracks, track{id: id, label: dets[i].Label, box: dets[i].Box, lastSeen: now})
	}
	return dets
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int { return len(t.tracks) }
