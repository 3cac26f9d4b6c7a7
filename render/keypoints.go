// Package render draws keypoint predictions onto images for debug
// output during validation.
package render

import (
	"image"

	"gocv.io/x/gocv"
)

/* body joints
0: Right Ankle
1: Right Knee
2: Right Hip
3: Left Hip
4: Left Knee
5: Left Ankle
6: Pelvis
7: Thorax
8: Upper Neck
9: Head Top
10: Right Wrist
11: Right Elbow
12: Right Shoulder
13: Left Shoulder
14: Left Elbow
15: Left Wrist
*/

// skeleton defines the joint pairs to draw limb lines between.  The
// numbers are paired, so (0,1) means draw a line from right ankle to
// right knee.
var skeleton = [30]int{0, 1, 1, 2, 2, 6, 3, 6, 3, 4, 4, 5, 6, 7, 7, 8,
	8, 9, 10, 11, 11, 12, 12, 7, 13, 7, 13, 14, 14, 15}

// Pose renders one person's keypoints onto img.  Points are given in
// an arbitrary coordinate space and multiplied by scale to reach image
// pixels; points at the origin are unlocalized and skipped.
func Pose(img *gocv.Mat, points [][2]float32, scale float32, lineThickness int) {

	drawLimb := func(a, b int) {
		if a >= len(points) || b >= len(points) {
			return
		}

		if origin(points[a]) || origin(points[b]) {
			return
		}

		gocv.Line(img,
			pt(points[a], scale), pt(points[b], scale),
			limbColors[(a+b)%len(limbColors)], lineThickness)
	}

	for j := 0; j < len(skeleton)/2; j++ {
		drawLimb(skeleton[2*j], skeleton[2*j+1])
	}

	for j, p := range points {
		if origin(p) {
			continue
		}

		gocv.Circle(img, pt(p, scale), 3, JointColor(j), -1)
	}
}

// origin reports whether a point is the unlocalized sentinel
func origin(p [2]float32) bool {
	return p[0] == 0 && p[1] == 0
}

// pt converts a scaled point to integer image coordinates
func pt(p [2]float32, scale float32) image.Point {
	return image.Pt(int(p[0]*scale+0.5), int(p[1]*scale+0.5))
}
