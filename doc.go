/*
go-posekd trains a compact student keypoint-heatmap model against a larger
frozen teacher model using knowledge distillation, with mixed supervision:
a mini-batch may contain both labeled samples (ground-truth heatmaps
available) and unlabeled samples (teacher signal only), distinguished by a
per-sample mask.

The root package holds the dense NCHW tensor type shared by image and
heatmap batches, the network capability interfaces, and the horizontal
flip augmentation with the left/right channel remapping it requires.

See the subpackages for the distillation loss (distill), heatmap decoding
and accuracy metrics (postprocess), the epoch orchestrator and checkpoint
store (train), and the MPII style data pipeline (dataset).
*/
package posekd
