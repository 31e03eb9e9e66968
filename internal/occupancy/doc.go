// Package occupancy partitions a depth field into an N x N grid of
// overlapping rectangular regions, counts the blocked pixels that fall in
// each region, and picks the least obstructed region to fly toward.
//
// A cycle runs in three steps:
//
//	layout := NewLayout(params)      // once at startup, see LayoutCache
//	table, _ := Scan(layout, field, distanceThreshold)
//	sel := Select(table, percentThreshold)
//
// Region centres come from midpoint bisection of the frame, so the spacing is
// only uniform when N-1 is a power of two. For other sizes the integer
// averaging leaves gaps that differ by a pixel or more between neighbours;
// this matches the deployed behaviour and is kept.
//
// A pixel belongs to a region when c-half <= p < c+half on both axes. The
// scanner walks the frame once, tracking the active regions on each axis with
// a pair of monotonic pointers, so per-pixel cost is proportional to the
// number of regions that actually contain the pixel.
//
// No SQL or transport code belongs in this package.
package occupancy
