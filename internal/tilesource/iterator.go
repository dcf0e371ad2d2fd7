package tilesource

type selectorKind int

const (
	selectPosition selectorKind = iota
	selectRegion
	selectLevel
)

// TileSelector picks one tile of an iteration.
type TileSelector struct {
	kind     selectorKind
	position int
	x, y     int
}

// SelectPosition picks the tile with the given running position.
func SelectPosition(position int) *TileSelector {
	return &TileSelector{kind: selectPosition, position: position}
}

// SelectRegionTile picks a tile by its column and row within the region.
func SelectRegionTile(x, y int) *TileSelector {
	return &TileSelector{kind: selectRegion, x: x, y: y}
}

// SelectLevelTile picks a tile by its level-absolute tile index.
func SelectLevelTile(x, y int) *TileSelector {
	return &TileSelector{kind: selectLevel, x: x, y: y}
}

// resolve returns the level tile index picked by s, or false when it is
// outside the iteration.
func (s *TileSelector) resolve(info *IteratorInfo) (int, int, bool) {
	cols := info.XMax - info.XMin
	var x, y int
	switch s.kind {
	case selectPosition:
		if s.position < 0 || s.position >= info.Tiles() {
			return 0, 0, false
		}
		x, y = info.XMin+s.position%cols, info.YMin+s.position/cols
	case selectRegion:
		x, y = info.XMin+s.x, info.YMin+s.y
	default:
		x, y = s.x, s.y
	}
	if x < info.XMin || x >= info.XMax || y < info.YMin || y >= info.YMax {
		return 0, 0, false
	}
	return x, y, true
}

type iteratorState int

const (
	iteratorInit iteratorState = iota
	iteratorEmitting
	iteratorDone
)

// TileIterator yields the tiles of an IteratorInfo in row-major order. It
// is not safe for concurrent use; the tiles it returns are.
type TileIterator struct {
	source *Source
	info   *IteratorInfo

	state  iteratorState
	single bool
	x, y   int
}

// Info is the resolved plan, nil when there are no tiles.
func (it *TileIterator) Info() *IteratorInfo {
	return it.info
}

// Total is the tile count of the full iteration, ignoring any selection.
func (it *TileIterator) Total() int {
	if it.info == nil {
		return 0
	}
	return it.info.Tiles()
}

func (it *TileIterator) start() {
	it.state = iteratorDone
	if it.info == nil {
		return
	}
	if sel := it.info.Select; sel != nil {
		x, y, ok := sel.resolve(it.info)
		if !ok {
			return
		}
		it.x, it.y, it.single = x, y, true
	} else {
		it.x, it.y = it.info.XMin, it.info.YMin
	}
	it.state = iteratorEmitting
}

// Next returns the next tile, or false when the iteration is done.
func (it *TileIterator) Next() (*LazyTile, bool) {
	if it.state == iteratorInit {
		it.start()
	}
	if it.state == iteratorDone {
		return nil, false
	}

	tile := newLazyTile(it.source, it.info, it.x, it.y)
	if it.single {
		it.state = iteratorDone
		return tile, true
	}
	it.x++
	if it.x >= it.info.XMax {
		it.x = it.info.XMin
		it.y++
		if it.y >= it.info.YMax {
			it.state = iteratorDone
		}
	}
	return tile, true
}

// Collect drains the iterator.
func (it *TileIterator) Collect() []*LazyTile {
	var tiles []*LazyTile
	for t, ok := it.Next(); ok; t, ok = it.Next() {
		tiles = append(tiles, t)
	}
	return tiles
}
