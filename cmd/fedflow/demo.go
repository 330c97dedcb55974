package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/model"
	"github.com/fedflow/fedflow/types"
)

// The bundled demo fits y = 2x split across the two parties: the follower
// owns the feature weight and ships its activation, the leader owns the
// bias and the labels and answers with the boundary gradient.
const demoTask = "demo"

var (
	demoWeight = graph.NewVariable("demo/weight", graph.Scalar(0.5))
	demoBias   = graph.NewVariable("demo/bias", graph.Scalar(0))
)

func registerDemoTask(fm *model.FederalModel, role types.Role) error {
	if err := fm.InputFn(demoTask, func(ctx context.Context) (any, error) {
		return model.NewTensorSample(), nil
	}); err != nil {
		return err
	}

	if role == types.RoleFollower {
		return registerFollower(fm)
	}
	return registerLeader(fm)
}

// registerFollower ships activation = weight*x and takes its entire
// gradient from the leader's reply.
func registerFollower(fm *model.FederalModel) error {
	x, err := graph.FromSlice([]float32{1, 2, 3, 4}, 4)
	if err != nil {
		return err
	}
	if err := fm.LossFn(demoTask, func(ctx context.Context, sample model.Sample) (*graph.Node, error) {
		features := graph.Const(x)
		activation := graph.Mul(graph.Broadcast(demoWeight.Read(), features), features)
		if err := fm.Send(ctx, "activation", activation, true, types.ModeTrain, demoTask); err != nil {
			return nil, err
		}
		return activation, nil
	}); err != nil {
		return err
	}
	return fm.OptimizerFn(demoTask, func(ctx context.Context) ([]model.Binding, error) {
		return []model.Binding{{
			Optimizer: graph.NewSGD(graph.NewTape(), 0.05),
			Vars:      []*graph.Variable{demoWeight},
		}}, nil
	})
}

// registerLeader computes the squared error against the labels and owes
// the follower the activation gradient.
func registerLeader(fm *model.FederalModel) error {
	y, err := graph.FromSlice([]float32{2, 4, 6, 8}, 4)
	if err != nil {
		return err
	}
	if err := fm.LossFn(demoTask, func(ctx context.Context, sample model.Sample) (*graph.Node, error) {
		activation, err := fm.Recv(ctx, "activation", graph.Float32, true, demoTask)
		if err != nil {
			return nil, err
		}
		labels := graph.Const(y)
		pred := graph.Add(activation, graph.Broadcast(demoBias.Read(), labels))
		return graph.Square(graph.Sub(pred, labels)), nil
	}); err != nil {
		return err
	}
	return fm.OptimizerFn(demoTask, func(ctx context.Context) ([]model.Binding, error) {
		return []model.Binding{{
			Optimizer: graph.NewSGD(graph.NewTape(), 0.05),
			Vars:      []*graph.Variable{demoBias},
		}}, nil
	})
}

func logDemoProgress(fm *model.FederalModel, logger *zap.Logger, step int) {
	if fm.Role() == types.RoleFollower {
		logger.Info("demo progress", zap.Int("step", step),
			zap.Float32("weight", demoWeight.Value().Data[0]))
		return
	}
	logger.Info("demo progress", zap.Int("step", step),
		zap.Float32("bias", demoBias.Value().Data[0]))
}
